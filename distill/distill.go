// Package distill turns captured page HTML into readable markdown artifacts.
//
// The input is serialized DOM from a live page, so it arrives full of script
// tags, event handlers and framework attributes. Sanitization runs first,
// then structured markdown conversion with a plain-text fallback.
package distill

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Result is a distilled page.
type Result struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// Distiller converts captured page HTML to markdown.
type Distiller struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
	logger    *slog.Logger
}

// New creates a Distiller. The sanitizer allows user-generated-content tags
// and strips everything active.
func New(logger *slog.Logger) *Distiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

// Distill sanitizes the HTML and converts it to markdown. The title comes
// from the raw source because sanitization drops head content.
func (d *Distiller) Distill(htmlSrc, sourceURL string) (*Result, error) {
	title := Title(htmlSrc)
	md, err := d.Markdown(htmlSrc, sourceURL)
	if err != nil {
		return nil, err
	}
	return &Result{Title: title, Markdown: md}, nil
}

// Markdown converts sanitized HTML to markdown. sourceURL resolves relative
// links. Falls back to plain text extraction when conversion produces
// nothing usable.
func (d *Distiller) Markdown(htmlSrc, sourceURL string) (string, error) {
	clean := d.policy.Sanitize(htmlSrc)
	md, err := d.converter.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(md) == "" {
		text := PlainText(htmlSrc)
		if text == "" {
			if err != nil {
				return "", fmt.Errorf("distill: convert: %w", err)
			}
			return "", fmt.Errorf("distill: no textual content")
		}
		d.logger.Debug("distill: conversion fell back to plain text", "url", sourceURL)
		return text, nil
	}
	return strings.TrimSpace(md), nil
}

// Title extracts the <title> text from an HTML document. Empty when the
// document has none.
func Title(htmlSrc string) string {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}
	return findTitle(doc)
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// PlainText extracts all visible text from an HTML document, skipping
// script, style and noscript subtrees.
func PlainText(htmlSrc string) string {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String()
}
