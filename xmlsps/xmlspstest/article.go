// Package xmlspstest baut SPS-Artikel-XML für Tests.
package xmlspstest

import (
	"fmt"
	"strings"
)

// Article beschreibt die Felder eines Test-Artikels. Leere Felder werden
// nicht ausgegeben.
type Article struct {
	V3     string
	V2     string
	AOPPid string

	IssnElectronic string
	IssnPrint      string
	Acron          string

	Volume string
	Issue  string

	CollectionYear string
	PubYear        string
	PubMonth       string
	PubDay         string

	Fpage       string
	FpageSeq    string
	Lpage       string
	ElocationID string
	DOI         string

	Surnames []string
	Collab   string
	Links    []string
	Body     string

	Title string
	// Compact schreibt das XML ohne Zeilenumbrüche zwischen den Elementen.
	Compact bool
}

// Default liefert einen vollständigen VoR-Artikel ohne PIDs.
func Default() Article {
	return Article{
		IssnElectronic: "1234-5678",
		IssnPrint:      "0034-8910",
		Acron:          "rsp",
		Volume:         "10",
		Issue:          "2",
		CollectionYear: "2024",
		PubYear:        "2024",
		PubMonth:       "03",
		PubDay:         "15",
		Fpage:          "100",
		Lpage:          "110",
		DOI:            "10.1590/example.2024.001",
		Surnames:       []string{"Silva", "Souza"},
		Body:           "Introduction paragraph.",
		Title:          "A study",
	}
}

// AOP liefert den Artikel ohne Heftangaben.
func (a Article) AOP() Article {
	a.Volume, a.Issue, a.CollectionYear = "", "", ""
	a.Fpage, a.Lpage, a.ElocationID = "", "", ""
	return a
}

// WithPids setzt v3, v2 und aop_pid.
func (a Article) WithPids(v3, v2, aop string) Article {
	a.V3, a.V2, a.AOPPid = v3, v2, aop
	return a
}

// Bytes serialisiert den Artikel.
func (a Article) Bytes() []byte {
	return []byte(a.String())
}

func (a Article) String() string {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	opt := func(format, value string) {
		if value != "" {
			add(format, value)
		}
	}

	add(`<article xmlns:xlink="http://www.w3.org/1999/xlink" article-type="research-article" xml:lang="en">`)
	add(`<front>`)
	add(`<journal-meta>`)
	opt(`<journal-id journal-id-type="publisher-id">%s</journal-id>`, a.Acron)
	opt(`<issn pub-type="epub">%s</issn>`, a.IssnElectronic)
	opt(`<issn pub-type="ppub">%s</issn>`, a.IssnPrint)
	add(`</journal-meta>`)
	add(`<article-meta>`)
	opt(`<article-id pub-id-type="publisher-id" specific-use="scielo-v3">%s</article-id>`, a.V3)
	opt(`<article-id pub-id-type="publisher-id" specific-use="scielo-v2">%s</article-id>`, a.V2)
	opt(`<article-id pub-id-type="other" specific-use="previous-pid">%s</article-id>`, a.AOPPid)
	opt(`<article-id pub-id-type="doi">%s</article-id>`, a.DOI)
	opt(`<title-group><article-title>%s</article-title></title-group>`, a.Title)
	if len(a.Surnames) > 0 || a.Collab != "" {
		add(`<contrib-group>`)
		for _, s := range a.Surnames {
			add(`<contrib contrib-type="author"><name><surname>%s</surname><given-names>A</given-names></name></contrib>`, s)
		}
		opt(`<contrib contrib-type="author"><collab>%s</collab></contrib>`, a.Collab)
		add(`</contrib-group>`)
	}
	if a.PubYear != "" {
		date := ""
		if a.PubDay != "" {
			date += fmt.Sprintf("<day>%s</day>", a.PubDay)
		}
		if a.PubMonth != "" {
			date += fmt.Sprintf("<month>%s</month>", a.PubMonth)
		}
		add(`<pub-date publication-format="electronic" date-type="pub">%s<year>%s</year></pub-date>`, date, a.PubYear)
	}
	opt(`<pub-date publication-format="electronic" date-type="collection"><year>%s</year></pub-date>`, a.CollectionYear)
	opt(`<volume>%s</volume>`, a.Volume)
	opt(`<issue>%s</issue>`, a.Issue)
	if a.Fpage != "" {
		if a.FpageSeq != "" {
			add(`<fpage seq="%s">%s</fpage>`, a.FpageSeq, a.Fpage)
		} else {
			add(`<fpage>%s</fpage>`, a.Fpage)
		}
	}
	opt(`<lpage>%s</lpage>`, a.Lpage)
	opt(`<elocation-id>%s</elocation-id>`, a.ElocationID)
	for _, l := range a.Links {
		add(`<related-article related-article-type="corrected-article" ext-link-type="doi" xlink:href="%s"/>`, l)
	}
	add(`</article-meta>`)
	add(`</front>`)
	if a.Body != "" {
		add(`<body><sec><p>%s</p></sec></body>`, a.Body)
	}
	add(`</article>`)

	sep := "\n"
	if a.Compact {
		sep = ""
	}
	prefix := `<?xml version="1.0" encoding="utf-8"?>` + "\n" +
		`<!DOCTYPE article PUBLIC "-//NLM//DTD JATS (Z39.96) Journal Publishing DTD v1.1 20151215//EN" "https://jats.nlm.nih.gov/publishing/1.1/JATS-journalpublishing1.dtd">` + "\n"
	return prefix + strings.Join(lines, sep)
}
