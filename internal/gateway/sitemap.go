package gateway

import (
	"encoding/xml"
	"fmt"
	"io"
)

const maxSitemapBytes = 50 << 20

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// sitemapDocument holds either a urlset or a sitemapindex
type sitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

func parseSitemap(r io.Reader) (*sitemapDocument, error) {
	var doc sitemapDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	switch doc.XMLName.Local {
	case "urlset", "sitemapindex":
		return &doc, nil
	}
	return nil, fmt.Errorf("parse sitemap: unexpected root element %q", doc.XMLName.Local)
}

func (d *sitemapDocument) pageURLs() []string {
	urls := make([]string, 0, len(d.URLs))
	for _, u := range d.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	return urls
}

func (d *sitemapDocument) childSitemaps() []string {
	urls := make([]string, 0, len(d.Sitemaps))
	for _, s := range d.Sitemaps {
		if s.Loc != "" {
			urls = append(urls, s.Loc)
		}
	}
	return urls
}
