package services

import (
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"pid-provider/xmlsps"
)

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi.org/",
	"doi:",
}

// NormalizeDOI entfernt Resolver-Präfixe und vereinheitlicht Groß-/Kleinschreibung.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, p := range doiPrefixes {
		d = strings.TrimPrefix(d, p)
	}
	return strings.TrimSpace(d)
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// matchFields sind die normalisierten Vergleichsfelder eines XMLs, genau
// so, wie sie im Record gespeichert werden.
type matchFields struct {
	IssnElectronic string
	IssnPrint      string
	PubYear        string
	Volume         string
	Number         string
	Suppl          string
	ArticlePubYear string
	MainDOI        string
	ElocationID    string
	Fpage          string
	FpageSeq       string
	Lpage          string
	ZSurnames      string
	ZCollab        string
	ZLinks         string
	ZPartialBody   string
}

func newMatchFields(p xmlsps.Projection) matchFields {
	return matchFields{
		IssnElectronic: strings.ToUpper(strings.TrimSpace(p.IssnElectronic)),
		IssnPrint:      strings.ToUpper(strings.TrimSpace(p.IssnPrint)),
		PubYear:        strings.TrimSpace(p.PubYear),
		Volume:         norm(p.Volume),
		Number:         norm(p.Number),
		Suppl:          norm(p.Suppl),
		ArticlePubYear: strings.TrimSpace(p.ArticlePubYear),
		MainDOI:        NormalizeDOI(p.MainDOI),
		ElocationID:    norm(p.ElocationID),
		Fpage:          norm(p.Fpage),
		FpageSeq:       norm(p.FpageSeq),
		Lpage:          norm(p.Lpage),
		ZSurnames:      p.ZSurnames,
		ZCollab:        p.ZCollab,
		ZLinks:         p.ZLinks,
		ZPartialBody:   p.ZPartialBody,
	}
}

// ParamSet ist eine Menge von Gleichheitsbedingungen (Spalte -> Wert).
type ParamSet struct {
	Name   string
	Fields map[string]string
}

func (s ParamSet) String() string {
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, s.Fields[k])
	}
	return s.Name + "{" + strings.Join(parts, " ") + "}"
}

// Query ist die Suchanfrage für ein XML: Identifikatoren ODER-verknüpft, UND
// ISSN (ODER), UND eine der Parametermengen, die nacheinander versucht werden.
type Query struct {
	Pids           []string
	PkgNames       []string
	MainDOI        string
	IssnElectronic string
	IssnPrint      string
	Sets           []ParamSet
}

// BuildQuery übersetzt die Projektion eines XMLs in eine Query. Weitere
// Paketnamen (z. B. der SPS-Paketname neben dem Dateinamen) zählen zum
// Identifikator-Teil.
func BuildQuery(p xmlsps.Projection, pkgNames ...string) (*Query, error) {
	m := newMatchFields(p)
	if m.IssnElectronic == "" && m.IssnPrint == "" {
		return nil, fmt.Errorf("%w: %s", ErrRequiredISSN, p.PkgName)
	}
	if m.ArticlePubYear == "" && m.PubYear == "" {
		return nil, fmt.Errorf("%w: %s", ErrRequiredPublicationYear, p.PkgName)
	}

	basic := map[string]string{
		"article_pub_year": m.ArticlePubYear,
		"elocation_id":     m.ElocationID,
	}
	if m.MainDOI != "" {
		basic["main_doi"] = m.MainDOI
	}
	if m.MainDOI == "" && m.Fpage == "" && m.ElocationID == "" {
		switch {
		case m.ZSurnames != "" || m.ZCollab != "":
			basic["z_surnames"] = m.ZSurnames
			basic["z_collab"] = m.ZCollab
		case m.ZLinks != "":
			basic["z_links"] = m.ZLinks
		case m.ZPartialBody != "":
			basic["z_partial_body"] = m.ZPartialBody
		default:
			return nil, fmt.Errorf("%w: %s", ErrNotEnoughParameters, p.PkgName)
		}
	}

	q := &Query{
		MainDOI:        m.MainDOI,
		IssnElectronic: m.IssnElectronic,
		IssnPrint:      m.IssnPrint,
	}
	for _, v := range []string{p.V3, p.V2, p.AOPPid} {
		if v = strings.TrimSpace(v); v != "" {
			q.Pids = append(q.Pids, v)
		}
	}
	seen := map[string]bool{}
	for _, n := range append([]string{p.PkgName, p.SPSPkgName}, pkgNames...) {
		if n != "" && !seen[n] {
			seen[n] = true
			q.PkgNames = append(q.PkgNames, n)
		}
	}

	if p.IsAOP {
		q.Sets = []ParamSet{{Name: "aop", Fields: basic}}
		return q, nil
	}
	primary := with(basic, map[string]string{
		"pub_year":  m.PubYear,
		"volume":    m.Volume,
		"number":    m.Number,
		"suppl":     m.Suppl,
		"fpage":     m.Fpage,
		"fpage_seq": m.FpageSeq,
		"lpage":     m.Lpage,
	})
	aopVersion := with(basic, map[string]string{
		"volume": "",
		"number": "",
		"suppl":  "",
	})
	q.Sets = []ParamSet{
		{Name: "issue", Fields: primary},
		{Name: "aop_version", Fields: aopVersion},
	}
	return q, nil
}

func with(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Scope wendet den Identifikator- und ISSN-Teil sowie set auf db an.
func (q *Query) Scope(db *gorm.DB, set ParamSet) *gorm.DB {
	var conds []string
	var args []any
	if len(q.Pids) > 0 {
		conds = append(conds, "id IN (SELECT record_id FROM issued_pids WHERE value IN ?)")
		args = append(args, q.Pids)
	}
	if len(q.PkgNames) > 0 {
		conds = append(conds, "pkg_name IN ?")
		args = append(args, q.PkgNames)
	}
	if q.MainDOI != "" {
		conds = append(conds, "main_doi = ?")
		args = append(args, q.MainDOI)
	}
	if len(conds) > 0 {
		db = db.Where("("+strings.Join(conds, " OR ")+")", args...)
	}

	switch {
	case q.IssnElectronic != "" && q.IssnPrint != "":
		db = db.Where("(issn_electronic = ? OR issn_print = ?)", q.IssnElectronic, q.IssnPrint)
	case q.IssnElectronic != "":
		db = db.Where("issn_electronic = ?", q.IssnElectronic)
	default:
		db = db.Where("issn_print = ?", q.IssnPrint)
	}

	keys := make([]string, 0, len(set.Fields))
	for k := range set.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		db = db.Where(k+" = ?", set.Fields[k])
	}
	return db
}
