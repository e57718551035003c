// Copyright 2025 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package yahoo

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://query2.finance.yahoo.com"

// userAgent is sent with every request; the API rejects clients without a
// browser-like User-Agent.
const userAgent = "Mozilla/5.0 (compatible; stockparfait)"

// maxPageSize is the largest page the screener endpoint serves.
const maxPageSize = 250

// Client for querying the Yahoo Finance screener and quoteSummary APIs.
type Client struct {
	baseURL string       // the base URL of the server
	http    *http.Client // used for POST requests; GETs go through fetch
}

// newClient creates a new client.
func newClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient creates a new client and injects it into the context. A nil
// httpClient defaults to http.DefaultClient.
func UseClient(ctx context.Context, httpClient *http.Client) context.Context {
	return context.WithValue(ctx, clientContextKey, newClient(URL, httpClient))
}

// APIError is the error object returned by the API endpoints.
type APIError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

var _ error = &APIError{}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Description
}

// ScreenerQuery is a builder for a screener query.
type ScreenerQuery struct {
	region    string
	quoteType string
	sortField string
	sortType  string
	size      int
	offset    int
}

// NewScreenerQuery creates a new query with the default filters: US region,
// equities sorted by descending market cap, maximum page size.
func NewScreenerQuery() *ScreenerQuery {
	return &ScreenerQuery{
		region:    "us",
		quoteType: "EQUITY",
		sortField: "marketCap",
		sortType:  "DESC",
		size:      maxPageSize,
	}
}

// Copy creates a copy of the query. It is primarily used in its builder
// methods.
func (q *ScreenerQuery) Copy() *ScreenerQuery {
	q2 := *q
	return &q2
}

// Region sets the region filter. This and other builder methods always create
// a copy of the query, leaving the original intact.
func (q *ScreenerQuery) Region(region string) *ScreenerQuery {
	q2 := q.Copy()
	q2.region = region
	return q2
}

// QuoteType sets the quote type filter, e.g. "EQUITY" or "ETF".
func (q *ScreenerQuery) QuoteType(quoteType string) *ScreenerQuery {
	q2 := q.Copy()
	q2.quoteType = quoteType
	return q2
}

// SortBy sets the sort field and direction of the results. A stable sort
// order keeps paging by offset consistent across calls.
func (q *ScreenerQuery) SortBy(field string, descending bool) *ScreenerQuery {
	q2 := q.Copy()
	q2.sortField = field
	q2.sortType = "ASC"
	if descending {
		q2.sortType = "DESC"
	}
	return q2
}

// Size sets the number of results per page, [1..250].
func (q *ScreenerQuery) Size(size int) *ScreenerQuery {
	if size < 1 {
		size = maxPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	q2 := q.Copy()
	q2.size = size
	return q2
}

// Offset sets the paging offset.
func (q *ScreenerQuery) Offset(offset int) *ScreenerQuery {
	if offset < 0 {
		offset = 0
	}
	q2 := q.Copy()
	q2.offset = offset
	return q2
}

// screenerOperand is a node of the screener query filter tree.
type screenerOperand struct {
	Operator string        `json:"operator"`
	Operands []interface{} `json:"operands"`
}

// screenerPayload is the JSON body of the screener POST request.
type screenerPayload struct {
	Size      int             `json:"size"`
	Offset    int             `json:"offset"`
	SortField string          `json:"sortField"`
	SortType  string          `json:"sortType"`
	QuoteType string          `json:"quoteType"`
	Query     screenerOperand `json:"query"`
}

// payload returns the JSON-marshalable body of the query. Each call creates a
// new object, so the caller is free to modify it without affecting the query.
func (q *ScreenerQuery) payload() screenerPayload {
	return screenerPayload{
		Size:      q.size,
		Offset:    q.offset,
		SortField: q.sortField,
		SortType:  q.sortType,
		QuoteType: q.quoteType,
		Query: screenerOperand{
			Operator: "AND",
			Operands: []interface{}{
				screenerOperand{
					Operator: "EQ",
					Operands: []interface{}{"region", q.region},
				},
			},
		},
	}
}

// screenerQuote is a single quote in a screener page. Only the symbol is of
// interest; the rest of the quote fields are ignored.
type screenerQuote struct {
	Symbol string `json:"symbol"`
}

// screenerResult holds the quotes of a single screener page.
type screenerResult struct {
	Quotes []screenerQuote `json:"quotes"`
}

// screenerPage is the format of a single page of screener data.
type screenerPage struct {
	Finance struct {
		Result []screenerResult `json:"result"`
		Error  *APIError        `json:"error"`
	} `json:"finance"`
}

// quotes flattens the page into its list of quotes. An empty result list
// yields nil.
func (p *screenerPage) quotes() []screenerQuote {
	if len(p.Finance.Result) == 0 {
		return nil
	}
	return p.Finance.Result[0].Quotes
}

// TestScreenerPage generates the JSON string in a format as returned by the
// screener API. For use in tests.
func TestScreenerPage(symbols []string) (string, error) {
	var p screenerPage
	quotes := make([]screenerQuote, len(symbols))
	for i, s := range symbols {
		quotes[i] = screenerQuote{Symbol: s}
	}
	p.Finance.Result = []screenerResult{{Quotes: quotes}}
	bytes, err := json.Marshal(&p)
	return string(bytes), err
}

// readPage executes the query using the Client from the context and downloads
// one page of data. The screener endpoint only accepts POST with a JSON body,
// which the fetch package doesn't provide, hence a raw HTTP request.
func (q *ScreenerQuery) readPage(ctx context.Context, page *screenerPage) error {
	client := GetClient(ctx)
	if client == nil {
		return errors.Reason("ScreenerQuery.Read: no client in context")
	}
	body, err := json.Marshal(q.payload())
	if err != nil {
		return errors.Annotate(err, "ScreenerQuery.Read: failed to marshal payload")
	}
	uri := client.baseURL + "/v1/finance/screener"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return errors.Annotate(err, "ScreenerQuery.Read: failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.http.Do(req)
	if err != nil {
		return errors.Annotate(err, "ScreenerQuery.Read: failed to fetch URL")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Reason("ScreenerQuery.Read: server returned status %d",
			resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return errors.Annotate(err, "ScreenerQuery.Read: failed to decode response")
	}
	if page.Finance.Error != nil {
		return errors.Annotate(page.Finance.Error, "ScreenerQuery.Read: API error")
	}
	return nil
}

// SymbolIterator iterates over the symbols matched by a screener query.
// Paging is handled transparently.
type SymbolIterator struct {
	context   context.Context
	query     *ScreenerQuery
	page      screenerPage
	index     int  // the quote for Next() to return
	pageCount int  // which page number we're on, for logging
	started   bool // if at least one Next call was ever made
	done      bool // a short page was received, no more pages to fetch
}

// Read sets up the iterator over the matched symbols, which will execute the
// query as needed and handle paging transparently.
func (q *ScreenerQuery) Read(ctx context.Context) *SymbolIterator {
	return &SymbolIterator{context: ctx, query: q}
}

// nextPage fetches and populates the iterator with the next page of data.
// When there are no more pages to load, or loading a page results in an
// error, the first return value becomes false.
func (it *SymbolIterator) nextPage() (bool, error) {
	if it.done {
		return false, nil
	}
	if it.started {
		it.query = it.query.Offset(it.query.offset + it.query.size)
	}
	it.started = true
	// Clear the page, in case decoding doesn't overwrite some parts.
	it.page = screenerPage{}
	if err := it.query.readPage(it.context, &it.page); err != nil {
		return false, errors.Annotate(err, "failed to query page %d", it.pageCount+1)
	}
	it.index = 0
	it.pageCount++
	n := len(it.page.quotes())
	if n < it.query.size {
		it.done = true
	}
	logging.Infof(it.context,
		"Yahoo screener: fetched page %d with %d quotes (offset %d)",
		it.pageCount, n, it.query.offset)
	return n > 0, nil
}

// Next returns the next symbol. If there are no more symbols, the second
// value is false. Note, that error may be non-nil regardless of the end of
// iterator.
func (it *SymbolIterator) Next() (string, bool, error) {
	if it.query == nil {
		return "", false, nil
	}
	for {
		if !it.started || it.index >= len(it.page.quotes()) {
			if ok, err := it.nextPage(); !ok {
				return "", false, err
			}
		}
		quotes := it.page.quotes()
		if it.index >= len(quotes) {
			return "", false, nil
		}
		symbol := quotes[it.index].Symbol
		it.index++
		if symbol == "" { // a quote without a symbol cannot be keyed, skip
			continue
		}
		return symbol, true, nil
	}
}

// PageCount returns the number of screener pages fetched so far.
func (it *SymbolIterator) PageCount() int {
	return it.pageCount
}

// SummaryResult maps a quoteSummary module name to its raw decoded JSON
// fields for one symbol.
type SummaryResult map[string]interface{}

// quoteSummaryPage is the format of a quoteSummary response for one symbol.
type quoteSummaryPage struct {
	QuoteSummary struct {
		Result []map[string]interface{} `json:"result"`
		Error  *APIError                `json:"error"`
	} `json:"quoteSummary"`
}

// TestQuoteSummaryPage generates the JSON string in a format as returned by
// the quoteSummary API. For use in tests.
func TestQuoteSummaryPage(result SummaryResult) (string, error) {
	var p quoteSummaryPage
	if result != nil {
		p.QuoteSummary.Result = []map[string]interface{}{result}
	}
	bytes, err := json.Marshal(&p)
	return string(bytes), err
}

// FetchQuoteSummary fetches the requested data modules for a single symbol.
// A symbol unknown to the API, or one whose lookup fails with an API-declared
// error, is not a transport failure: it yields a nil result and a warning in
// the log, and the caller is expected to record the symbol with absent data.
func FetchQuoteSummary(ctx context.Context, symbol string, modules []string) (SummaryResult, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("FetchQuoteSummary: no client in context")
	}
	uri := client.baseURL + "/v10/finance/quoteSummary/" + url.PathEscape(symbol)
	query := make(url.Values)
	query["modules"] = []string{strings.Join(modules, ",")}
	query["formatted"] = []string{"false"}
	header := make(http.Header)
	header.Set("User-Agent", userAgent)

	var page quoteSummaryPage
	if err := fetch.FetchJSON(ctx, uri, &page, query, header); err != nil {
		return nil, errors.Annotate(err,
			"FetchQuoteSummary: failed to fetch URL for %s", symbol)
	}
	if page.QuoteSummary.Error != nil {
		logging.Warningf(ctx, "no quote summary for %s: %s",
			symbol, page.QuoteSummary.Error.Error())
		return nil, nil
	}
	if len(page.QuoteSummary.Result) == 0 {
		logging.Warningf(ctx, "empty quote summary result for %s", symbol)
		return nil, nil
	}
	return SummaryResult(page.QuoteSummary.Result[0]), nil
}
