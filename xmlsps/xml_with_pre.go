// Package xmlsps liest SPS/JATS-Artikel-XML und liefert die Felder,
// die der PID-Provider zur Identifikation eines Artikels braucht.
package xmlsps

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// ErrEmptyXML wird geliefert, wenn kein Wurzelelement gefunden wurde.
var ErrEmptyXML = errors.New("xml has no root element")

// XMLWithPre hält den Baum eines Artikels zusammen mit dem wörtlichen Text
// vor dem Wurzelelement (Processing Instructions, DOCTYPE).
type XMLWithPre struct {
	Prefix   string
	Filename string
	root     *etree.Element
}

// Parse splittet den Präfix ab und parst den Rest als XML-Baum.
func Parse(content []byte) (*XMLWithPre, error) {
	pre, body := SplitPrefix(string(content))
	doc := etree.NewDocument()
	doc.ReadSettings.Entity = xml.HTMLEntity
	if err := doc.ReadFromString(body); err != nil {
		return nil, fmt.Errorf("parsing xml %q: %w", head(body, 100), err)
	}
	root := doc.Root()
	if root == nil {
		return nil, ErrEmptyXML
	}
	return &XMLWithPre{Prefix: pre, root: root}, nil
}

// SplitPrefix trennt Processing Instructions und DOCTYPE vom Wurzelelement.
func SplitPrefix(content string) (string, string) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "<?") && !strings.HasPrefix(content, "<!") {
		return "", content
	}
	i := 0
	for i < len(content) {
		j := strings.IndexByte(content[i:], '<')
		if j < 0 {
			break
		}
		i += j
		rest := content[i:]
		switch {
		case strings.HasPrefix(rest, "<?"):
			end := strings.Index(rest, "?>")
			if end < 0 {
				return "", content
			}
			i += end + 2
		case strings.HasPrefix(rest, "<!--"):
			end := strings.Index(rest, "-->")
			if end < 0 {
				return "", content
			}
			i += end + 3
		case strings.HasPrefix(rest, "<!"):
			end := doctypeEnd(rest)
			if end < 0 {
				return "", content
			}
			i += end
		default:
			return content[:i], content[i:]
		}
	}
	return "", content
}

// doctypeEnd findet das Ende einer DOCTYPE-Deklaration inklusive interner Subsets.
func doctypeEnd(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '>':
			if depth <= 0 {
				return i + 1
			}
		}
	}
	return -1
}

// Root gibt das Wurzelelement zurück.
func (x *XMLWithPre) Root() *etree.Element {
	return x.root
}

// Clone erstellt eine tiefe Kopie, damit PID-Änderungen das Original nicht berühren.
func (x *XMLWithPre) Clone() *XMLWithPre {
	return &XMLWithPre{Prefix: x.Prefix, Filename: x.Filename, root: x.root.Copy()}
}

// ToString serialisiert das XML inklusive Präfix.
func (x *XMLWithPre) ToString() (string, error) {
	doc := etree.NewDocumentWithRoot(x.root.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		return "", err
	}
	return x.Prefix + s, nil
}

// Bytes ist ToString als Byte-Slice; Serialisierungsfehler sind bei einem
// bereits geparsten Baum nicht zu erwarten und liefern nil.
func (x *XMLWithPre) Bytes() []byte {
	s, err := x.ToString()
	if err != nil {
		return nil
	}
	return []byte(s)
}

// Canonical liefert die kanonische Form des Baums ohne Einrückung, UTF-8.
// Leerzeichen zwischen Inline-Elementen bleiben erhalten.
func (x *XMLWithPre) Canonical() []byte {
	root := x.root.Copy()
	stripIndentation(root)
	doc := etree.NewDocumentWithRoot(root)
	b, err := doc.WriteToBytes()
	if err != nil {
		return nil
	}
	return b
}

// Fingerprint ist der SHA-256 (hex, 64 Zeichen) der kanonischen Form.
func (x *XMLWithPre) Fingerprint() string {
	sum := sha256.Sum256(x.Canonical())
	return hex.EncodeToString(sum[:])
}

// stripIndentation entfernt Whitespace-Knoten mit Zeilenumbruch, also reine
// Einrückung zwischen Elementen.
func stripIndentation(el *etree.Element) {
	for i := len(el.Child) - 1; i >= 0; i-- {
		switch t := el.Child[i].(type) {
		case *etree.CharData:
			if t.IsWhitespace() && strings.ContainsAny(t.Data, "\r\n") {
				el.RemoveChildAt(i)
			}
		case *etree.Element:
			stripIndentation(t)
		}
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
