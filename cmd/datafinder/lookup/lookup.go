// Package lookup searches the Observation codes present on a FHIR server.
package lookup

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/bundle"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

const textPageSize = 500

// Querier executes FHIR searches, see client.Client
type Querier interface {
	GetWithCache(ctx context.Context, url string) client.Response
	Features() client.Features
}

// Item is one Observation code
type Item struct {
	System   string `json:"system,omitempty"`
	Code     string `json:"code"`
	Display  string `json:"display,omitempty"`
	Datatype string `json:"datatype,omitempty"` // value[x] suffix of the Observations with this code
}

func (i Item) key() string { return i.System + "|" + i.Code }

type Result struct {
	Items []Item `json:"items"`
	// Total is the number of matching codes, -1 when unknown
	Total int `json:"total"`
}

type Options struct {
	// Datatype restricts codes to Observations with this value type
	Datatype string
	// Selected codes are left out
	Selected []string
}

type Lookup struct {
	q   Querier
	log zerolog.Logger
}

func New(q Querier, log zerolog.Logger) *Lookup {
	return &Lookup{q: q, log: log.With().Str("component", "code_lookup").Logger()}
}

// Search finds up to count codes whose code or display contains text. Exact
// code matches come first, followed by the codes of a text search that
// follows pages until count codes are found.
func (l *Lookup) Search(ctx context.Context, text string, count int, opts Options) (Result, error) {
	path := "Observation"
	lastn := l.q.Features().LastnLookup
	if lastn {
		path = "Observation/$lastn"
	}

	var exact []Item
	var textResult Result
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		params := baseParams(lastn)
		params.Set("code", text)
		params.Set("_count", "1")
		page, err := l.get(ctx, path+"?"+params.Encode())
		if err != nil {
			return err
		}
		exact = newMatcher(text, opts).items(page.Resources)
		return nil
	})
	g.Go(func() error {
		var err error
		textResult, err = l.textSearch(ctx, path, text, count, lastn, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	items := exact
	for _, item := range textResult.Items {
		if !slices.ContainsFunc(items, func(i Item) bool { return i.key() == item.key() }) {
			items = append(items, item)
		}
	}
	if len(items) > count {
		items = items[:count]
	}
	total := textResult.Total
	if total >= 0 && total < len(items) {
		total = len(items)
	}
	l.log.Debug().Str("text", text).Int("items", len(items)).Int("total", total).Msg("Looked up observation codes")
	return Result{Items: items, Total: total}, nil
}

func (l *Lookup) textSearch(ctx context.Context, path, text string, count int, lastn bool, opts Options) (Result, error) {
	params := baseParams(lastn)
	params.Set("code:text", text)
	params.Set("_count", strconv.Itoa(textPageSize))

	m := newMatcher(text, opts)
	var items []Item
	pageURL := path + "?" + params.Encode()
	for {
		page, err := l.get(ctx, pageURL)
		if err != nil {
			return Result{}, err
		}
		seen := len(m.processed)
		items = append(items, m.items(page.Resources)...)

		if page.Next == "" || len(items) >= count || len(m.processed) == seen {
			total := -1
			switch {
			case lastn && page.Total != nil:
				total = *page.Total
			case page.Next == "":
				total = len(items)
			}
			if len(items) > count {
				items = items[:count]
			}
			return Result{Items: items, Total: total}, nil
		}

		if lastn {
			pageURL = page.Next
			continue
		}
		next := baseParams(lastn)
		next.Set("code:text", text)
		next.Set("_count", strconv.Itoa(textPageSize))
		next.Set("code:not", strings.Join(m.processedCodes(), ","))
		pageURL = path + "?" + next.Encode()
	}
}

func (l *Lookup) get(ctx context.Context, u string) (*bundle.SearchResult, error) {
	resp := l.q.GetWithCache(ctx, u)
	if !resp.OK() {
		return nil, fmt.Errorf("observation code lookup failed: %w", resp.Err)
	}
	return bundle.ParseSearchResult(resp.Data)
}

func baseParams(lastn bool) url.Values {
	params := url.Values{}
	params.Set("_elements", "code,value,component")
	if lastn {
		params.Set("max", "1")
	}
	return params
}

// matcher collects the codes of Observations that match a text
type matcher struct {
	text      string
	opts      Options
	processed map[string]bool
}

func newMatcher(text string, opts Options) *matcher {
	return &matcher{text: strings.ToLower(text), opts: opts, processed: make(map[string]bool)}
}

func (m *matcher) items(observations []resource.Resource) []Item {
	var items []Item
	for _, obs := range observations {
		datatype := ValueDatatype(obs)
		if m.opts.Datatype != "" && datatype != m.opts.Datatype {
			continue
		}
		for _, coding := range obs.Object("code").Objects("coding") {
			item := Item{System: coding.String("system"), Code: coding.String("code"), Display: coding.String("display"), Datatype: datatype}
			if item.Code == "" || m.processed[item.key()] {
				continue
			}
			m.processed[item.key()] = true
			if slices.Contains(m.opts.Selected, item.Code) {
				continue
			}
			if strings.Contains(strings.ToLower(item.Code), m.text) || strings.Contains(strings.ToLower(item.Display), m.text) {
				items = append(items, item)
			}
		}
	}
	return items
}

// processedCodes returns the codes seen so far for code:not.
func (m *matcher) processedCodes() []string {
	codes := make([]string, 0, len(m.processed))
	for key := range m.processed {
		_, code, _ := strings.Cut(key, "|")
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ValueDatatype returns the [x] part of the first value[x] element of an
// Observation or its components, e.g. "Quantity".
func ValueDatatype(obs resource.Resource) string {
	for _, obj := range append([]resource.Resource{obs}, obs.Objects("component")...) {
		keys := make([]string, 0, len(obj))
		for key := range obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if suffix, ok := strings.CutPrefix(key, "value"); ok && suffix != "" {
				return suffix
			}
		}
	}
	return ""
}
