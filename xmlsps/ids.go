package xmlsps

import (
	"strings"

	"github.com/beevik/etree"
)

// Attributwerte der article-id-Elemente, die PIDs tragen.
const (
	specificUseV3     = "scielo-v3"
	specificUseV2     = "scielo-v2"
	specificUseAOPPid = "previous-pid"
)

func (x *XMLWithPre) articleMeta() *etree.Element {
	return x.root.FindElement("./front/article-meta")
}

func (x *XMLWithPre) findArticleID(specificUse string) *etree.Element {
	meta := x.articleMeta()
	if meta == nil {
		return nil
	}
	for _, el := range meta.SelectElements("article-id") {
		if el.SelectAttrValue("specific-use", "") == specificUse {
			return el
		}
	}
	return nil
}

func (x *XMLWithPre) articleID(specificUse string) string {
	el := x.findArticleID(specificUse)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

// V3 gibt die PID v3 aus dem XML zurück, leer falls nicht vorhanden.
func (x *XMLWithPre) V3() string { return x.articleID(specificUseV3) }

// V2 gibt die PID v2 aus dem XML zurück.
func (x *XMLWithPre) V2() string { return x.articleID(specificUseV2) }

// AOPPid gibt die frühere PID (ahead of print) zurück.
func (x *XMLWithPre) AOPPid() string { return x.articleID(specificUseAOPPid) }

// SetV3 setzt die PID v3 und legt das Element bei Bedarf an.
func (x *XMLWithPre) SetV3(value string) { x.setArticleID(specificUseV3, "publisher-id", value) }

// SetV2 setzt die PID v2.
func (x *XMLWithPre) SetV2(value string) { x.setArticleID(specificUseV2, "publisher-id", value) }

// SetAOPPid setzt die AOP-PID; ein leerer Wert entfernt das Element.
func (x *XMLWithPre) SetAOPPid(value string) { x.setArticleID(specificUseAOPPid, "other", value) }

// SetIDs schreibt alle drei PIDs auf einmal.
func (x *XMLWithPre) SetIDs(v3, v2, aopPid string) {
	x.SetV3(v3)
	x.SetV2(v2)
	x.SetAOPPid(aopPid)
}

func (x *XMLWithPre) setArticleID(specificUse, pubIDType, value string) {
	el := x.findArticleID(specificUse)
	if value == "" {
		if el != nil {
			el.Parent().RemoveChild(el)
		}
		return
	}
	if el != nil {
		el.SetText(value)
		return
	}
	meta := x.articleMeta()
	if meta == nil {
		front := x.root.FindElement("./front")
		if front == nil {
			front = etree.NewElement("front")
			x.root.InsertChildAt(0, front)
		}
		meta = front.CreateElement("article-meta")
	}
	el = etree.NewElement("article-id")
	el.CreateAttr("pub-id-type", pubIDType)
	el.CreateAttr("specific-use", specificUse)
	el.SetText(value)

	// neue article-id direkt hinter die letzte vorhandene setzen
	pos := 0
	for _, child := range meta.ChildElements() {
		if child.Tag == "article-id" {
			pos = child.Index() + 1
		}
	}
	meta.InsertChildAt(pos, el)
}
