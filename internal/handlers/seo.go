package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

type seoAudit struct {
	URL             string   `json:"url"`
	Score           int      `json:"score"`
	Title           string   `json:"title,omitempty"`
	MetaDescription string   `json:"metaDescription,omitempty"`
	H1Count         int      `json:"h1Count"`
	ImageCount      int      `json:"imageCount"`
	ImagesWithAlt   int      `json:"imagesWithAlt"`
	WordCount       int      `json:"wordCount"`
	HTTPS           bool     `json:"https"`
	Issues          []string `json:"issues"`
}

// AnalyzeSEO fetches a page and runs a basic on-page audit. Scoring starts at
// 100 and each finding deducts points; the issues list says what to fix.
func (h *Handler) AnalyzeSEO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		URL    string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpReq.Header.Set("User-Agent", "SilentPilotBot/1.0 (seo-audit)")

	resp, err := h.hc.Do(httpReq)
	if err != nil {
		log.Printf("[SEO] fetch error url=%s: %v", target, err)
		writeError(w, http.StatusBadGateway, "failed to fetch page: "+err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("page returned status %d", resp.StatusCode))
		return
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to parse page: "+err.Error())
		return
	}

	audit := auditDocument(doc)
	audit.URL = target.String()
	audit.HTTPS = target.Scheme == "https"
	audit.score()

	if req.UserID != "" {
		h.trackEvent(req.UserID, "seo_audit", map[string]any{
			"url":   audit.URL,
			"score": audit.Score,
		})
	}

	log.Printf("[SEO] audited url=%s score=%d issues=%d", audit.URL, audit.Score, len(audit.Issues))
	writeJSON(w, http.StatusOK, audit)
}

func auditDocument(doc *html.Node) *seoAudit {
	audit := &seoAudit{Issues: []string{}}
	var textLen int

	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && audit.Title == "" {
					audit.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var name, content string
				for _, a := range n.Attr {
					switch strings.ToLower(a.Key) {
					case "name":
						name = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if name == "description" && audit.MetaDescription == "" {
					audit.MetaDescription = strings.TrimSpace(content)
				}
			case "h1":
				audit.H1Count++
			case "img":
				audit.ImageCount++
				for _, a := range n.Attr {
					if strings.ToLower(a.Key) == "alt" && strings.TrimSpace(a.Val) != "" {
						audit.ImagesWithAlt++
						break
					}
				}
			case "body":
				inBody = true
			case "script", "style":
				return
			}
		}
		if n.Type == html.TextNode && inBody {
			textLen += len(strings.Fields(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
	}
	walk(doc, false)

	audit.WordCount = textLen
	return audit
}

func (a *seoAudit) score() {
	score := 100

	switch {
	case a.Title == "":
		score -= 20
		a.Issues = append(a.Issues, "missing <title>")
	case len(a.Title) < 30 || len(a.Title) > 60:
		score -= 5
		a.Issues = append(a.Issues, "title should be 30-60 characters")
	}

	switch {
	case a.MetaDescription == "":
		score -= 15
		a.Issues = append(a.Issues, "missing meta description")
	case len(a.MetaDescription) < 120 || len(a.MetaDescription) > 160:
		score -= 5
		a.Issues = append(a.Issues, "meta description should be 120-160 characters")
	}

	switch {
	case a.H1Count == 0:
		score -= 15
		a.Issues = append(a.Issues, "missing <h1>")
	case a.H1Count > 1:
		score -= 5
		a.Issues = append(a.Issues, "multiple <h1> tags")
	}

	if a.ImageCount > 0 && a.ImagesWithAlt < a.ImageCount {
		score -= 10
		a.Issues = append(a.Issues, fmt.Sprintf("%d of %d images missing alt text", a.ImageCount-a.ImagesWithAlt, a.ImageCount))
	}

	if a.WordCount < 300 {
		score -= 10
		a.Issues = append(a.Issues, "thin content: fewer than 300 words")
	}

	if !a.HTTPS {
		score -= 10
		a.Issues = append(a.Issues, "page not served over https")
	}

	if score < 0 {
		score = 0
	}
	a.Score = score
}
