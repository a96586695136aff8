// Package pagetest provides an in-memory document for exercising page
// actions without a browser.
package pagetest

import (
	"context"
	"errors"
	"sync"
)

// Node is a fake DOM element.
type Node struct {
	Selector    string
	Text        string
	Value       string
	Clicks      int
	InputEvents int
	Detached    bool
}

// Page is a minimal document: elements are looked up by exact selector and
// the first registered match wins.
type Page struct {
	mu      sync.Mutex
	nodes   []*Node
	scrollY int

	// FailWith, when set, is returned by every operation.
	FailWith error
}

// New creates an empty Page.
func New() *Page {
	return &Page{}
}

// Add registers an element and returns it.
func (p *Page) Add(selector, text string) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := &Node{Selector: selector, Text: text}
	p.nodes = append(p.nodes, n)
	return n
}

// Find returns the first attached element registered under selector.
func (p *Page) Find(selector string) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findLocked(selector)
}

// Count reports how many attached elements match selector.
func (p *Page) Count(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, n := range p.nodes {
		if n.Selector == selector && !n.Detached {
			count++
		}
	}
	return count
}

// ScrollY returns the accumulated vertical scroll offset.
func (p *Page) ScrollY() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollY
}

func (p *Page) findLocked(selector string) *Node {
	for _, n := range p.nodes {
		if n.Selector == selector && !n.Detached {
			return n
		}
	}
	return nil
}

func (p *Page) node(el any) (*Node, error) {
	n, ok := el.(*Node)
	if !ok || n == nil {
		return nil, errors.New("foreign element handle")
	}
	return n, nil
}

func (p *Page) Resolve(_ context.Context, selector string) (any, bool, error) {
	if p.FailWith != nil {
		return nil, false, p.FailWith
	}
	n := p.Find(selector)
	if n == nil {
		return nil, false, nil
	}
	return n, true, nil
}

func (p *Page) Click(_ context.Context, el any) error {
	n, err := p.node(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n.Clicks++
	return p.FailWith
}

func (p *Page) SetValue(_ context.Context, el any, value string) error {
	n, err := p.node(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n.Value = value
	n.InputEvents++
	return p.FailWith
}

func (p *Page) ReadText(_ context.Context, el any) (string, error) {
	n, err := p.node(el)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.Text, p.FailWith
}

func (p *Page) ScrollBy(_ context.Context, dy int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return p.FailWith
	}
	p.scrollY += dy
	return nil
}

func (p *Page) InsertIndicator(_ context.Context, id, label string) error {
	if p.FailWith != nil {
		return p.FailWith
	}
	p.Add("#"+id, label)
	return nil
}

func (p *Page) Remove(_ context.Context, el any) error {
	n, err := p.node(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n.Detached = true
	return p.FailWith
}
