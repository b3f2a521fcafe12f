package jobs

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/valyala/bytebufferpool"

	"github.com/scrapebatch/scrapebatch/internal/batch"
)

// exportJSON renders the full batch result.
func exportJSON(result *batch.Result) ([]byte, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// exportCSV renders one row per item. Record fields are flattened into a
// stable union of columns across the batch.
func exportCSV(result *batch.Result) ([]byte, error) {
	fieldSet := map[string]struct{}{}
	for _, rec := range result.Records {
		for k := range rec.Fields {
			fieldSet[k] = struct{}{}
		}
	}
	fieldCols := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fieldCols = append(fieldCols, k)
	}
	sort.Strings(fieldCols)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	w := csv.NewWriter(buf)
	header := append([]string{"index", "url", "final_url", "status", "title", "category", "error"}, fieldCols...)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, item := range result.Items {
		row := []string{
			fmt.Sprintf("%d", item.Index),
			item.URL,
			item.FinalURL,
			fmt.Sprintf("%d", item.StatusCode),
			"",
			string(item.Category),
			item.Error,
		}
		if item.Record != nil {
			row[4] = item.Record.Title
		}
		for _, col := range fieldCols {
			v := ""
			if item.Record != nil {
				v = item.Record.Fields[col]
			}
			row = append(row, v)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}
