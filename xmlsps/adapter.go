package xmlsps

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Projection ist die feste, schreibgeschützte Sicht auf die bibliographischen
// Felder eines XMLs. Leere Strings bedeuten "nicht vorhanden".
type Projection struct {
	V3     string `json:"v3"`
	V2     string `json:"v2"`
	AOPPid string `json:"aop_pid"`

	IssnElectronic string `json:"journal_issn_electronic"`
	IssnPrint      string `json:"journal_issn_print"`
	JournalAcron   string `json:"journal_acron,omitempty"`

	PubYear        string `json:"pub_year"`
	Volume         string `json:"volume"`
	Number         string `json:"number"`
	Suppl          string `json:"suppl"`
	ArticlePubYear string `json:"article_pub_year"`

	Fpage       string `json:"fpage"`
	FpageSeq    string `json:"fpage_seq"`
	Lpage       string `json:"lpage"`
	ElocationID string `json:"elocation_id"`
	MainDOI     string `json:"main_doi"`

	ZSurnames    string `json:"z_surnames"`
	ZCollab      string `json:"z_collab"`
	ZLinks       string `json:"z_links"`
	ZPartialBody string `json:"z_partial_body"`

	PkgName    string `json:"pkg_name"`
	SPSPkgName string `json:"sps_pkg_name"`
	IsAOP      bool   `json:"is_aop"`

	Fingerprint            string     `json:"fingerprint"`
	ArticlePublicationDate *time.Time `json:"article_publication_date,omitempty"`
}

// Adapter bündelt ein XMLWithPre mit dem Paketnamen, unter dem es registriert wird.
type Adapter struct {
	XML     *XMLWithPre
	pkgName string
}

// NewAdapter erstellt einen Adapter. Ist filename leer, wird der
// Paketname aus dem XML abgeleitet.
func NewAdapter(x *XMLWithPre, filename string) *Adapter {
	if filename == "" {
		filename = x.Filename
	}
	return &Adapter{XML: x, pkgName: PkgNameFromFilename(filename)}
}

// PkgNameFromFilename liefert den Dateinamen ohne Verzeichnis und Endung.
func PkgNameFromFilename(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PkgName gibt den Paketnamen zurück; ohne Dateinamen den SPS-Paketnamen.
func (a *Adapter) PkgName() string {
	if a.pkgName != "" {
		return a.pkgName
	}
	return a.Projection().SPSPkgName
}

// Projection liest alle Felder aus dem aktuellen Baum.
func (a *Adapter) Projection() Projection {
	x := a.XML
	p := Projection{
		V3:     x.V3(),
		V2:     x.V2(),
		AOPPid: x.AOPPid(),
	}
	p.IssnElectronic, p.IssnPrint = x.issns()
	p.JournalAcron = strings.ToLower(text(x.root.FindElement("./front/journal-meta/journal-id[@journal-id-type='publisher-id']")))

	meta := x.articleMeta()
	if meta != nil {
		p.Volume = text(meta.FindElement("./volume"))
		p.Number, p.Suppl = parseIssue(text(meta.FindElement("./issue")))
		if s := text(meta.FindElement("./supplement")); s != "" && p.Suppl == "" {
			p.Suppl = s
		}
		if fpage := meta.FindElement("./fpage"); fpage != nil {
			p.Fpage = text(fpage)
			p.FpageSeq = strings.TrimSpace(fpage.SelectAttrValue("seq", ""))
		}
		p.Lpage = text(meta.FindElement("./lpage"))
		p.ElocationID = text(meta.FindElement("./elocation-id"))
		p.MainDOI = text(meta.FindElement("./article-id[@pub-id-type='doi']"))
	}

	articleDate, collectionDate := x.pubDates()
	p.ArticlePubYear = articleDate.year
	p.PubYear = collectionDate.year
	if p.PubYear == "" {
		p.PubYear = articleDate.year
	}
	if t, ok := articleDate.date(); ok {
		p.ArticlePublicationDate = &t
	}

	p.ZSurnames = Digest(strings.Join(x.surnames(), "|"))
	p.ZCollab = Digest(strings.Join(x.collabs(), "|"))
	p.ZLinks = Digest(strings.Join(x.links(), "|"))
	p.ZPartialBody = Digest(x.partialBody())

	p.IsAOP = p.Volume == "" && p.Number == "" && p.Suppl == ""
	p.SPSPkgName = spsPkgName(p)
	p.PkgName = a.pkgName
	if p.PkgName == "" {
		p.PkgName = p.SPSPkgName
	}
	p.Fingerprint = x.Fingerprint()
	return p
}

// V2Prefix liefert "S" + ISSN + Jahr, die ersten 14 Zeichen einer PID v2.
func (p Projection) V2Prefix() string {
	issn := p.IssnPrint
	if issn == "" {
		issn = p.IssnElectronic
	}
	year := p.ArticlePubYear
	if year == "" {
		year = p.PubYear
	}
	return "S" + issn + year
}

// Digest normalisiert den Text (klein, getrimmt, Whitespace zusammengefasst)
// und liefert dessen SHA-256 als 64 Hex-Zeichen; leerer Text ergibt "".
func Digest(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (x *XMLWithPre) issns() (electronic, print string) {
	for _, el := range x.root.FindElements("./front/journal-meta/issn") {
		kind := el.SelectAttrValue("pub-type", el.SelectAttrValue("publication-format", ""))
		switch strings.ToLower(kind) {
		case "epub", "electronic":
			electronic = text(el)
		case "ppub", "print":
			print = text(el)
		}
	}
	return electronic, print
}

type pubDate struct {
	year, month, day string
}

func (d pubDate) date() (time.Time, bool) {
	y, err := strconv.Atoi(d.year)
	if err != nil {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(d.month)
	if err != nil || m < 1 || m > 12 {
		m = 1
	}
	day, err := strconv.Atoi(d.day)
	if err != nil || day < 1 || day > 31 {
		day = 1
	}
	return time.Date(y, time.Month(m), day, 0, 0, 0, 0, time.UTC), true
}

func (x *XMLWithPre) pubDates() (article, collection pubDate) {
	meta := x.articleMeta()
	if meta == nil {
		return
	}
	for _, el := range meta.SelectElements("pub-date") {
		d := pubDate{
			year:  text(el.SelectElement("year")),
			month: text(el.SelectElement("month")),
			day:   text(el.SelectElement("day")),
		}
		kind := el.SelectAttrValue("date-type", el.SelectAttrValue("pub-type", ""))
		switch kind {
		case "pub", "epub":
			article = d
		case "collection", "epub-ppub", "ppub":
			collection = d
		}
	}
	return
}

// parseIssue zerlegt Angaben wie "3", "3 suppl 1" oder "suppl" in Nummer und Supplement.
func parseIssue(issue string) (number, suppl string) {
	tokens := strings.Fields(strings.ToLower(issue))
	for i := 0; i < len(tokens); i++ {
		t := strings.TrimSuffix(tokens[i], ".")
		if t == "suppl" || t == "supl" || t == "supplement" {
			suppl = "0"
			if i+1 < len(tokens) {
				suppl = tokens[i+1]
			}
			break
		}
		if number == "" {
			number = tokens[i]
		}
	}
	if strings.Trim(number, "0") == "" {
		number = ""
	}
	return number, suppl
}

func (x *XMLWithPre) contribs() []*etree.Element {
	meta := x.articleMeta()
	if meta == nil {
		return nil
	}
	return meta.FindElements("./contrib-group/contrib")
}

func (x *XMLWithPre) surnames() []string {
	var out []string
	for _, c := range x.contribs() {
		if s := text(c.FindElement("./name/surname")); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (x *XMLWithPre) collabs() []string {
	var out []string
	for _, c := range x.contribs() {
		if s := innerText(c.FindElement("./collab")); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (x *XMLWithPre) links() []string {
	var out []string
	for _, el := range x.root.FindElements(".//related-article") {
		if href := el.SelectAttrValue("xlink:href", ""); href != "" {
			out = append(out, href)
		}
	}
	if meta := x.articleMeta(); meta != nil {
		for _, el := range meta.FindElements(".//ext-link") {
			if href := el.SelectAttrValue("xlink:href", ""); href != "" {
				out = append(out, href)
			}
		}
	}
	return out
}

func (x *XMLWithPre) partialBody() string {
	for _, p := range x.root.FindElements("./body//p") {
		if s := strings.TrimSpace(innerText(p)); s != "" {
			return s
		}
	}
	return ""
}

func spsPkgName(p Projection) string {
	issn := p.IssnElectronic
	if issn == "" {
		issn = p.IssnPrint
	}
	parts := []string{issn, p.JournalAcron}
	if p.IsAOP {
		parts = append(parts, "aop", p.ArticlePubYear)
	} else {
		parts = append(parts, p.Volume, p.Number)
		if p.Suppl != "" {
			parts = append(parts, "s"+p.Suppl)
		}
	}
	switch {
	case p.ElocationID != "":
		parts = append(parts, p.ElocationID)
	case p.Fpage != "":
		parts = append(parts, p.Fpage+p.FpageSeq)
	default:
		parts = append(parts, p.V3)
	}
	var kept []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, strings.ReplaceAll(s, " ", ""))
		}
	}
	return strings.ToLower(strings.Join(kept, "-"))
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

// innerText sammelt den gesamten Text eines Elements inklusive Kindelementen.
func innerText(el *etree.Element) string {
	if el == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, tok := range e.Child {
			switch t := tok.(type) {
			case *etree.CharData:
				b.WriteString(t.Data)
			case *etree.Element:
				walk(t)
			}
		}
	}
	walk(el)
	return strings.Join(strings.Fields(b.String()), " ")
}
