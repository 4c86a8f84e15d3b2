package ingest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RawPage is one <page> element of a MediaWiki export.
type RawPage struct {
	ID        string
	Title     string
	Namespace int
	Text      string
	// Redirect is the redirect target declared by the export, if any.
	Redirect string
}

type xmlPage struct {
	Title    string `xml:"title"`
	NS       int    `xml:"ns"`
	ID       string `xml:"id"`
	Redirect struct {
		Title string `xml:"title,attr"`
	} `xml:"redirect"`
	Revision struct {
		Text string `xml:"text"`
	} `xml:"revision"`
}

// Decoder streams pages out of a MediaWiki XML export one at a time. Element
// names are matched by local name, so any export schema version works.
type Decoder struct {
	dec *xml.Decoder
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	d := xml.NewDecoder(r)
	d.Strict = false
	return &Decoder{dec: d}
}

// Next returns the next page, or io.EOF when the stream is exhausted.
func (d *Decoder) Next() (RawPage, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return RawPage{}, io.EOF
			}
			return RawPage{}, fmt.Errorf("reading xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "page" {
			continue
		}
		var p xmlPage
		if err := d.dec.DecodeElement(&p, &start); err != nil {
			return RawPage{}, fmt.Errorf("decoding page: %w", err)
		}
		return RawPage{
			ID:        strings.TrimSpace(p.ID),
			Title:     strings.TrimSpace(p.Title),
			Namespace: p.NS,
			Text:      p.Revision.Text,
			Redirect:  p.Redirect.Title,
		}, nil
	}
}

// InputOffset reports how many bytes of the (decompressed) stream have been
// consumed.
func (d *Decoder) InputOffset() int64 {
	return d.dec.InputOffset()
}
