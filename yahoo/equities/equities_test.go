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

package equities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/usequities/db"
	"github.com/stockparfait/usequities/yahoo"

	. "github.com/smartystreets/goconvey/convey"
)

// testAPI emulates both the screener and the quoteSummary endpoints.
type testAPI struct {
	ScreenerPages []string          // served in order; "{}" after the last one
	ScreenerCalls int
	Summaries     map[string]string // symbol -> response body
	SummaryCalls  []string          // symbols requested, in order
}

func (a *testAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const summaryPrefix = "/v10/finance/quoteSummary/"
	switch {
	case r.URL.Path == "/v1/finance/screener":
		resp := "{}"
		if a.ScreenerCalls < len(a.ScreenerPages) {
			resp = a.ScreenerPages[a.ScreenerCalls]
		}
		a.ScreenerCalls++
		w.Write([]byte(resp))
	case strings.HasPrefix(r.URL.Path, summaryPrefix):
		symbol := strings.TrimPrefix(r.URL.Path, summaryPrefix)
		a.SummaryCalls = append(a.SummaryCalls, symbol)
		resp, ok := a.Summaries[symbol]
		if !ok {
			resp = `{"quoteSummary": {"result": []}}`
		}
		w.Write([]byte(resp))
	default:
		http.NotFound(w, r)
	}
}

func (a *testAPI) AddScreenerPage(symbols ...string) error {
	page, err := yahoo.TestScreenerPage(symbols)
	if err != nil {
		return err
	}
	a.ScreenerPages = append(a.ScreenerPages, page)
	return nil
}

func (a *testAPI) AddSummary(symbol string, result yahoo.SummaryResult) error {
	page, err := yahoo.TestQuoteSummaryPage(result)
	if err != nil {
		return err
	}
	if a.Summaries == nil {
		a.Summaries = make(map[string]string)
	}
	a.Summaries[symbol] = page
	return nil
}

// fakeWriter records the upserted batches in place of a live database.
type fakeWriter struct {
	Batches [][]db.CompanyRow
	Err     error
}

var _ CompanyWriter = &fakeWriter{}

func (f *fakeWriter) UpsertCompanies(ctx context.Context, rows []db.CompanyRow) (db.UpsertStats, error) {
	if f.Err != nil {
		return db.UpsertStats{}, f.Err
	}
	f.Batches = append(f.Batches, rows)
	return db.UpsertStats{Upserted: int64(len(rows))}, nil
}

func batchSizes(batches [][]db.CompanyRow) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestEquities(t *testing.T) {
	t.Parallel()

	Convey("batchSymbols", t, func() {
		symbols := []string{"A", "B", "C", "D", "E"}

		Convey("splits into ceil(N/B) batches, last one shorter", func() {
			So(batchSymbols(symbols, 2), ShouldResemble,
				[][]string{{"A", "B"}, {"C", "D"}, {"E"}})
		})

		Convey("a single oversized batch", func() {
			So(batchSymbols(symbols, 10), ShouldResemble, [][]string{symbols})
		})

		Convey("no symbols, no batches", func() {
			So(batchSymbols(nil, 2), ShouldBeNil)
		})
	})

	Convey("Import pipeline", t, func() {
		api := &testAPI{}
		server := httptest.NewServer(api)
		defer server.Close()

		yahoo.URL = server.URL
		ctx := yahoo.UseClient(context.Background(), server.Client())
		ctx = fetch.UseClient(ctx, server.Client())

		Convey("DiscoverSymbols", func() {
			Convey("stops fetching pages once the cap is reached", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				So(api.AddScreenerPage("C", "D"), ShouldBeNil)
				So(api.AddScreenerPage("E", "F"), ShouldBeNil)
				So(api.AddScreenerPage("G", "H"), ShouldBeNil)

				d := NewDataset()
				So(d.DiscoverSymbols(ctx, 2, 5), ShouldBeNil)
				So(d.Symbols, ShouldResemble, []string{"A", "B", "C", "D", "E"})
				So(api.ScreenerCalls, ShouldEqual, 3)
			})

			Convey("drops duplicate symbols, keeps first occurrence", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				So(api.AddScreenerPage("B", "C"), ShouldBeNil)
				So(api.AddScreenerPage(), ShouldBeNil)

				d := NewDataset()
				So(d.DiscoverSymbols(ctx, 2, 0), ShouldBeNil)
				So(d.Symbols, ShouldResemble, []string{"A", "B", "C"})
			})

			Convey("exhausts the screener on a short page", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				So(api.AddScreenerPage("C"), ShouldBeNil)

				d := NewDataset()
				So(d.DiscoverSymbols(ctx, 2, 0), ShouldBeNil)
				So(d.Symbols, ShouldResemble, []string{"A", "B", "C"})
				So(api.ScreenerCalls, ShouldEqual, 2)
			})
		})

		Convey("ImportAll", func() {
			modules := []string{"price"}

			Convey("5 symbols with batch size 2 upsert in 3 batches", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				So(api.AddScreenerPage("C", "D"), ShouldBeNil)
				So(api.AddScreenerPage("E"), ShouldBeNil)
				for _, s := range []string{"A", "B", "C", "E"} {
					err := api.AddSummary(s, yahoo.SummaryResult{
						"price": map[string]interface{}{"symbol": s}})
					So(err, ShouldBeNil)
				}
				// "D" has no summary data and is still recorded.

				d := NewDataset()
				w := &fakeWriter{}
				err := d.ImportAll(ctx, w, Config{
					PageSize:  2,
					BatchSize: 2,
					Modules:   modules,
				})
				So(err, ShouldBeNil)
				So(d.NumBatches, ShouldEqual, 3)
				So(d.NumRows, ShouldEqual, 5)
				So(batchSizes(w.Batches), ShouldResemble, []int{2, 2, 1})
				So(api.SummaryCalls, ShouldResemble,
					[]string{"A", "B", "C", "D", "E"})

				var symbols []string
				for _, batch := range w.Batches {
					for _, row := range batch {
						symbols = append(symbols, row.Symbol)
						if row.Symbol == "D" {
							So(row.Data, ShouldBeNil)
						} else {
							So(row.Data, ShouldResemble, map[string]interface{}{
								"price": map[string]interface{}{"symbol": row.Symbol}})
						}
						So(row.LastUpdated.IsZero(), ShouldBeFalse)
					}
				}
				So(symbols, ShouldResemble, []string{"A", "B", "C", "D", "E"})
			})

			Convey("cap truncates the final page", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				So(api.AddScreenerPage("C", "D"), ShouldBeNil)

				d := NewDataset()
				w := &fakeWriter{}
				err := d.ImportAll(ctx, w, Config{
					PageSize:   2,
					MaxSymbols: 3,
					BatchSize:  2,
					Modules:    modules,
				})
				So(err, ShouldBeNil)
				So(d.Symbols, ShouldResemble, []string{"A", "B", "C"})
				So(batchSizes(w.Batches), ShouldResemble, []int{2, 1})
			})

			Convey("no symbols found is not an error", func() {
				So(api.AddScreenerPage(), ShouldBeNil)

				d := NewDataset()
				w := &fakeWriter{}
				So(d.ImportAll(ctx, w, Config{Modules: modules}), ShouldBeNil)
				So(len(w.Batches), ShouldEqual, 0)
			})

			Convey("a fetch transport error aborts the run", func() {
				So(api.AddScreenerPage("A", "B"), ShouldBeNil)
				api.Summaries = map[string]string{"A": "not json"}

				d := NewDataset()
				w := &fakeWriter{}
				err := d.ImportAll(ctx, w, Config{
					PageSize:  2,
					BatchSize: 2,
					Modules:   modules,
				})
				So(err, ShouldNotBeNil)
				So(len(w.Batches), ShouldEqual, 0)
			})

			Convey("a write error aborts the run", func() {
				So(api.AddScreenerPage("A"), ShouldBeNil)

				d := NewDataset()
				w := &fakeWriter{Err: errors.Reason("test write failure")}
				err := d.ImportAll(ctx, w, Config{Modules: modules})
				So(err, ShouldNotBeNil)
				So(d.NumBatches, ShouldEqual, 0)
			})
		})

		Convey("ImportCompanies rejects a non-positive batch size", func() {
			d := NewDataset()
			d.Symbols = []string{"A"}
			So(d.ImportCompanies(ctx, &fakeWriter{}, DefaultModules, 0),
				ShouldNotBeNil)
		})
	})
}
