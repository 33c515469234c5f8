package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"

	dio "github.com/gsautter/goldengate-server-docs-sub000"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/cache"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/client"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/config"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection/gorillaws"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection/tcp"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/timeoutreader"
)

// env is everything a command needs, built from the layered configuration.
type env struct {
	cfg    *config.Config
	log    logger.Logger
	client *client.Client
	co     *dio.Coordinator
	out    io.Writer
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := map[string]*string{
		"--server":    &cfg.Server,
		"--session":   &cfg.Session,
		"--user":      &cfg.User,
		"--cache-dir": &cfg.CacheDir,
		"--log-level": &cfg.LogLevel,
	}
	for flag, field := range flags {
		if v, err := opts.String(flag); err == nil && v != "" {
			*field = v
		}
	}
	if v, err := opts.String("--timeout"); err == nil && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("--timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if cfg.CacheDir == "none" {
		cfg.CacheDir = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEnv(cfg *config.Config, log logger.Logger, out io.Writer) (*env, error) {
	u, err := cfg.ServerURL()
	if err != nil {
		return nil, err
	}
	ccfg := connection.NewConfig(u)
	ccfg.Session.SetSessionID(cfg.Session)
	ccfg.DialTimeout = cfg.DialTimeout
	ccfg.Logger = log

	var provider connection.Provider
	if u.Scheme == config.TransportTCP {
		provider = tcp.New(ccfg)
	} else {
		provider = gorillaws.New(ccfg)
	}
	c := client.New(provider,
		client.WithLogger(log),
		client.WithListCodec(cfg.ListCodec()),
	)

	coOpts := []dio.Option{
		dio.WithLogger(log),
		dio.WithReadTimeout(cfg.ReadTimeout),
		dio.WithPollInterval(cfg.PollInterval),
		dio.WithCodec(cfg.DocumentCodec()),
	}
	if cfg.CacheDir != "" && cfg.User != "" {
		coOpts = append(coOpts, dio.WithCacheRoot(cfg.CacheDir))
	}
	return &env{cfg: cfg, log: log, client: c, co: dio.New(c, coOpts...), out: out}, nil
}

func (e *env) scope() cache.Scope {
	u, _ := e.cfg.ServerURL()
	return cache.Scope{Host: u.Host, User: e.cfg.User}
}

func run(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, file, err := cfg.Logger()
	if err != nil {
		return err
	}
	if file != nil {
		defer file.Close()
	}

	e, err := newEnv(cfg, log, out)
	if err != nil {
		return err
	}
	if e.client.IsLoggedIn() {
		if err := e.co.StartSession(ctx, e.scope()); err != nil {
			return err
		}
		defer func() {
			if err := e.co.EndSession(context.WithoutCancel(ctx)); err != nil {
				log.Warn("ending session failed", "error", err)
			}
		}()
	}

	is := func(cmd string) bool {
		v, _ := opts.Bool(cmd)
		return v
	}
	switch {
	case is("cache"):
		switch {
		case is("flush"):
			return e.cacheSweep(ctx, e.co.Flush, "uploaded")
		case is("cleanup"):
			return e.cacheSweep(ctx, e.co.Cleanup, "released")
		default:
			return e.cacheList()
		}
	case is("list"):
		return e.list(ctx, opts)
	case is("fetch"):
		return e.fetch(ctx, opts)
	case is("checkout"):
		return e.checkout(ctx, opts)
	case is("upload"):
		return e.upload(ctx, opts)
	case is("update"):
		return e.update(ctx, opts)
	case is("delete"):
		return e.delete(ctx, opts)
	case is("release"):
		return e.release(ctx, opts)
	case is("log"):
		return e.updateLog(ctx, opts)
	}
	return fmt.Errorf("no command given")
}

func idMode(opts docopt.Opts) constants.IDMode {
	if ignore, _ := opts.Bool("--ignore-ids"); ignore {
		return constants.IDModeIgnore
	}
	return constants.IDModeCheck
}

func parseFilter(args []string) (map[string]string, error) {
	filter := make(map[string]string)
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("bad filter %q, want name=value", arg)
		}
		if prev, ok := filter[name]; ok {
			value = prev + "\n" + value
		}
		filter[name] = value
	}
	return filter, nil
}

func (e *env) printList(dl *models.DocumentList) error {
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(dl.Fields, "\t"))
	for _, rec := range dl.Documents {
		fmt.Fprintln(tw, strings.Join(rec.Values(dl.Fields), "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fields := make([]string, 0, len(dl.Summaries))
	for f := range dl.Summaries {
		if !dl.HasField(f) || dl.Len() == 0 {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(e.out, "%s: %s\n", f, strings.Join(dl.SummaryValues(f), ", "))
	}
	return nil
}

func (e *env) list(ctx context.Context, opts docopt.Opts) error {
	args, _ := opts["<filter>"].([]string)
	filter, err := parseFilter(args)
	if err != nil {
		return err
	}
	dl, err := e.co.List(ctx, filter)
	if err != nil {
		return err
	}
	return e.printList(dl)
}

func (e *env) fetch(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	version, err := opts.Int("--doc-version")
	if err != nil {
		return fmt.Errorf("--doc-version: %w", err)
	}

	stream, err := e.client.Fetch(ctx, id, version,
		timeoutreader.WithTimeout(e.cfg.ReadTimeout),
		timeoutreader.WithPollInterval(e.cfg.PollInterval),
		timeoutreader.WithLogger(e.log),
	)
	if err != nil {
		return err
	}
	defer stream.Close()

	out := e.out
	if path, _ := opts.String("--out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, stream)
	return err
}

func (e *env) checkout(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	name, _ := opts.String("--name")
	if err := e.co.CheckoutToCache(ctx, id, name); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s checked out to %s\n", id, e.co.Cache().Dir())
	return nil
}

func readDocument(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *env) printLines(lines []string) {
	for _, l := range lines {
		fmt.Fprintln(e.out, l)
	}
}

func (e *env) upload(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	name, _ := opts.String("<name>")
	content, err := readDocument(path)
	if err != nil {
		return err
	}

	doc := models.NewDocument("", content)
	doc.SetAttribute(constants.DocumentNameAttribute, name)
	res, err := e.co.Save(ctx, doc, name, idMode(opts))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "uploaded as %s\n", res.ID)
	e.printLines(res.Log)
	return e.co.Close(ctx, res.ID)
}

func (e *env) update(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	path, _ := opts.String("<file>")
	name, _ := opts.String("--name")
	content, err := readDocument(path)
	if err != nil {
		return err
	}

	doc, err := e.co.Open(ctx, id, 0, name)
	if err != nil {
		return err
	}
	if name == "" {
		name = doc.Name()
	}
	doc.Content = content
	res, err := e.co.Save(ctx, doc, name, idMode(opts))
	if cerr := e.co.Close(ctx, id); cerr != nil {
		e.log.Warn("closing document failed", "docId", id, "error", cerr)
	}
	if err != nil {
		return err
	}
	e.printLines(res.Log)
	return nil
}

func (e *env) delete(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	lines, err := e.co.Delete(ctx, id)
	if err != nil {
		return err
	}
	e.printLines(lines)
	return nil
}

func (e *env) release(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	if c := e.co.Cache(); c != nil && c.Contains(id) {
		force, _ := opts.Bool("--force")
		return e.co.ReleaseFromCache(ctx, id, force)
	}
	return e.client.Release(ctx, id)
}

func (e *env) updateLog(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("<id>")
	if follow, _ := opts.Bool("--follow"); follow {
		printed := 0
		return e.co.FollowUpdateLog(ctx, id, func(lines []string) {
			if printed > len(lines) {
				printed = 0
			}
			e.printLines(lines[printed:])
			printed = len(lines)
		})
	}
	lines, err := e.co.UpdateLog(ctx, id)
	if err != nil {
		return err
	}
	e.printLines(lines)
	return nil
}

func (e *env) cacheList() error {
	c := e.co.Cache()
	if c == nil {
		return fmt.Errorf("%w: no cache bound, set a session and a user", constants.ErrNotCached)
	}
	dl := c.GetDocumentList().WithField("State")
	for _, rec := range dl.Documents {
		id := rec.Value(constants.DocumentIDAttribute)
		var state []string
		if c.IsExplicitCheckout(id) {
			state = append(state, "pinned")
		}
		if c.IsDirty(id) {
			state = append(state, "dirty")
		}
		rec.Set("State", strings.Join(state, ","))
	}
	return e.printList(dl)
}

func (e *env) cacheSweep(ctx context.Context, sweep func(context.Context) (cache.SweepReport, error), verb string) error {
	report, err := sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s %d, %d failed\n", verb, len(report.Processed), len(report.Failed))
	for _, id := range report.Failed {
		fmt.Fprintf(e.out, "    failed: %s\n", id)
	}
	return nil
}
