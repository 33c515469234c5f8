package codec

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// CSVList is the line based list format spoken by DIO servers: an optional
// document count line, a quoted header line, one quoted line per document,
// and then one summary line per field in the form
//
//	field value=count value=count
//
// with query escaped values.
type CSVList struct{}

func (CSVList) EncodeList(w io.Writer, dl *models.DocumentList) error {
	bw := bufio.NewWriter(w)
	if dl.Total >= 0 {
		fmt.Fprintf(bw, "%d\n", dl.Total)
	}
	bw.WriteString(csvLine(dl.Fields))
	for _, r := range dl.Documents {
		bw.WriteString(csvLine(r.Values(dl.Fields)))
	}
	for _, f := range summaryOrder(dl) {
		bw.WriteString(f)
		for _, v := range dl.SummaryValues(f) {
			fmt.Fprintf(bw, " %s=%d", url.QueryEscape(v), dl.Summaries[f][v])
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func (CSVList) DecodeList(r io.Reader) (*models.DocumentList, error) {
	br := bufio.NewReader(r)
	dl := models.NewDocumentList()

	line, err := nextLine(br)
	if err == io.EOF {
		return dl, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, `"`) {
		n, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr != nil {
			return nil, fmt.Errorf("%w: bad list count line %q", constants.ErrProtocol, line)
		}
		dl.Total = n
		if line, err = nextLine(br); err == io.EOF {
			return dl, nil
		} else if err != nil {
			return nil, err
		}
	}
	if dl.Fields, err = parseCSVLine(line); err != nil {
		return nil, err
	}

	for {
		line, err = nextLine(br)
		if err == io.EOF {
			return dl, nil
		}
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, `"`) {
			values, err := parseCSVLine(line)
			if err != nil {
				return nil, err
			}
			dl.Add(models.RecordOf(dl.Fields, values))
			continue
		}
		if err := parseSummary(dl, line); err != nil {
			return nil, err
		}
	}
}

// nextLine returns the next non-blank line without its terminator.
func nextLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) != "" {
			return trimmed, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func csvLine(values []string) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(v, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
	return sb.String()
}

func parseCSVLine(line string) ([]string, error) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	values, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: bad list line %q: %v", constants.ErrProtocol, line, err)
	}
	return values, nil
}

func parseSummary(dl *models.DocumentList, line string) error {
	parts := strings.Fields(line)
	field := parts[0]
	counts := make(map[string]int, len(parts)-1)
	for _, p := range parts[1:] {
		i := strings.LastIndexByte(p, '=')
		if i < 0 {
			return fmt.Errorf("%w: bad summary entry %q", constants.ErrProtocol, p)
		}
		v, err := url.QueryUnescape(p[:i])
		if err != nil {
			return fmt.Errorf("%w: bad summary value %q", constants.ErrProtocol, p)
		}
		n, err := strconv.Atoi(p[i+1:])
		if err != nil {
			return fmt.Errorf("%w: bad summary count %q", constants.ErrProtocol, p)
		}
		counts[v] = n
	}
	dl.Summaries[field] = counts
	return nil
}

// summaryOrder lists summarized fields in column order, then any others.
func summaryOrder(dl *models.DocumentList) []string {
	seen := make(map[string]bool, len(dl.Summaries))
	var out []string
	for _, f := range dl.Fields {
		if _, ok := dl.Summaries[f]; ok {
			out = append(out, f)
			seen[f] = true
		}
	}
	var rest []string
	for f := range dl.Summaries {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
