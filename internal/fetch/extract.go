package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are elements whose content never reaches the model.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Button:   true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// extractHTML parses a page and returns its title and a lightweight
// markdown rendering of the readable body: headings, paragraphs,
// list items, links and preformatted blocks.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", cleanWhitespace(raw)
	}

	title = strings.TrimSpace(textOf(find(doc, atom.Title)))

	var md markdown
	md.walk(doc)
	return title, cleanWhitespace(md.String())
}

// find returns the first element with the given atom, or nil.
func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

// textOf concatenates the text below n with whitespace collapsed.
func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

type markdown struct {
	strings.Builder
}

func (m *markdown) block() { m.WriteString("\n\n") }

func (m *markdown) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
			m.WriteString(s)
			m.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if lvl, ok := headingLevel[n.DataAtom]; ok {
			m.block()
			m.WriteString(strings.Repeat("#", lvl) + " " + textOf(n))
			m.block()
			return
		}
		switch n.DataAtom {
		case atom.Pre:
			m.block()
			m.WriteString("```\n")
			m.WriteString(strings.Trim(rawText(n), "\n"))
			m.WriteString("\n```")
			m.block()
			return
		case atom.A:
			text, href := textOf(n), attr(n, "href")
			switch {
			case text == "":
			case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
				m.WriteString("[" + text + "](" + href + ") ")
			default:
				m.WriteString(text + " ")
			}
			return
		case atom.Li:
			m.WriteString("\n- ")
		case atom.Br:
			m.WriteByte('\n')
		default:
			if isBlockElement(n.DataAtom) {
				m.block()
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.walk(c)
	}

	if n.Type == html.ElementNode && isBlockElement(n.DataAtom) {
		m.block()
	}
}

// rawText returns text below n without collapsing whitespace.
func rawText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(rawText(c))
	}
	return sb.String()
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.Blockquote, atom.Ul, atom.Ol, atom.Table, atom.Tr,
		atom.Dl, atom.Dd, atom.Dt, atom.Figure, atom.Figcaption,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace trims trailing spaces on every line and collapses
// runs of blank lines to one. Lines inside ``` fences keep their
// indentation.
func cleanWhitespace(s string) string {
	var out []string
	fenced, blank := false, false
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "```" {
			fenced = !fenced
			out = append(out, "```")
			blank = false
			continue
		}
		if fenced {
			out = append(out, strings.TrimRight(line, " \t"))
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
