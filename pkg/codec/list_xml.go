package codec

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

const (
	xmlListElement   = "docList"
	xmlDocElement    = "doc"
	xmlFieldsAttr    = "listFields"
	xmlTotalAttr     = "docCount"
	xmlSummaryElem   = "summary"
	xmlSummaryField  = "field"
	xmlSummaryValue  = "value"
	xmlSummaryCounts = "count"
)

// XMLList writes lists as
//
//	<docList listFields="docId docName"><doc docId=".." docName=".."/></docList>
//
// Field summaries are written as <summary field=".." value=".." count=".."/>.
type XMLList struct{}

func (XMLList) EncodeList(w io.Writer, dl *models.DocumentList) error {
	enc := xml.NewEncoder(w)
	root := xml.StartElement{
		Name: xml.Name{Local: xmlListElement},
		Attr: []xml.Attr{{Name: xml.Name{Local: xmlFieldsAttr}, Value: strings.Join(dl.Fields, " ")}},
	}
	if dl.Total >= 0 {
		root.Attr = append(root.Attr, xml.Attr{Name: xml.Name{Local: xmlTotalAttr}, Value: strconv.Itoa(dl.Total)})
	}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	for _, r := range dl.Documents {
		el := xml.StartElement{Name: xml.Name{Local: xmlDocElement}}
		for _, f := range dl.Fields {
			if v, ok := r.Get(f); ok {
				el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: f}, Value: v})
			}
		}
		if err := emptyElement(enc, el); err != nil {
			return err
		}
	}
	for _, f := range summaryOrder(dl) {
		for _, v := range dl.SummaryValues(f) {
			el := xml.StartElement{
				Name: xml.Name{Local: xmlSummaryElem},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: xmlSummaryField}, Value: f},
					{Name: xml.Name{Local: xmlSummaryValue}, Value: v},
					{Name: xml.Name{Local: xmlSummaryCounts}, Value: strconv.Itoa(dl.Summaries[f][v])},
				},
			}
			if err := emptyElement(enc, el); err != nil {
				return err
			}
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func emptyElement(enc *xml.Encoder, el xml.StartElement) error {
	if err := enc.EncodeToken(el); err != nil {
		return err
	}
	return enc.EncodeToken(el.End())
}

func (XMLList) DecodeList(r io.Reader) (*models.DocumentList, error) {
	dec := xml.NewDecoder(r)
	dl := models.NewDocumentList()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return dl, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad list xml: %v", constants.ErrProtocol, err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch el.Name.Local {
		case xmlListElement:
			for _, a := range el.Attr {
				switch a.Name.Local {
				case xmlFieldsAttr:
					dl.Fields = strings.Fields(a.Value)
				case xmlTotalAttr:
					if n, err := strconv.Atoi(a.Value); err == nil {
						dl.Total = n
					}
				}
			}
		case xmlDocElement:
			rec := models.NewRecord()
			for _, a := range el.Attr {
				rec.Set(a.Name.Local, a.Value)
				if !dl.HasField(a.Name.Local) {
					dl.Fields = append(dl.Fields, a.Name.Local)
				}
			}
			dl.Add(rec)
		case xmlSummaryElem:
			var field, value string
			count := 0
			for _, a := range el.Attr {
				switch a.Name.Local {
				case xmlSummaryField:
					field = a.Value
				case xmlSummaryValue:
					value = a.Value
				case xmlSummaryCounts:
					count, _ = strconv.Atoi(a.Value)
				}
			}
			if dl.Summaries[field] == nil {
				dl.Summaries[field] = make(map[string]int)
			}
			dl.Summaries[field][value] = count
		}
	}
}
