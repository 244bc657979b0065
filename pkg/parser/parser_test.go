package parser

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/partsearch/partsearch/pkg/schema"
)

const canonicalHeaderLine = "Primary_Buyer,Item_Description,Quantity,Unit_of_Measure,Unit_Price,Secondary_Buyer,Primary_Buyer_Contact,Primary_Buyer_Email"

func writeTempCSV(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}
	return path
}

func drain(t *testing.T, r Reader) []map[string]string {
	t.Helper()
	var rows []map[string]string
	for {
		batch, err := r.Next()
		rows = append(rows, batch...)
		if err == io.EOF {
			return rows
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
}

func TestCSVBasic(t *testing.T) {
	path := writeTempCSV(t, []string{
		canonicalHeaderLine,
		`Acme,"CONN 3585720 GOLD","1,200",EA,3.45,,,`,
		`Globex,BOLT-M8x20,5,EA,0.12,,,`,
	})

	r, err := Open(path, "input.csv", Options{BatchSize: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	rows := drain(t, r)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][schema.ColPrimaryBuyer] != "Acme" {
		t.Errorf("unexpected buyer %q", rows[0][schema.ColPrimaryBuyer])
	}
	if rows[0][schema.ColQuantity] != "1,200" {
		t.Errorf("parser should not coerce values, got %q", rows[0][schema.ColQuantity])
	}
}

func TestCSVMissingHeadersFatal(t *testing.T) {
	path := writeTempCSV(t, []string{
		"Primary_Buyer,Quantity",
		"Acme,5",
	})
	if _, err := Open(path, "input.csv", Options{}); err == nil {
		t.Fatal("expected header validation failure")
	}
}

func TestCSVBatchingAndSkip(t *testing.T) {
	lines := []string{canonicalHeaderLine}
	for i := 0; i < 25; i++ {
		lines = append(lines, "Buyer"+strconv.Itoa(i)+",desc,1,EA,1.00,,,")
	}
	path := writeTempCSV(t, lines)

	r, err := Open(path, "input.csv", Options{BatchSize: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	batch, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(batch) != 10 {
		t.Errorf("first batch size = %d, want 10", len(batch))
	}
	r.Close()

	// Resume after 20 persisted rows yields the remaining 5.
	r, err = Open(path, "input.csv", Options{BatchSize: 10, SkipRows: 20})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	rows := drain(t, r)
	if len(rows) != 5 {
		t.Errorf("resume yielded %d rows, want 5", len(rows))
	}
	if rows[0][schema.ColPrimaryBuyer] != "Buyer20" {
		t.Errorf("resume started at %q, want Buyer20", rows[0][schema.ColPrimaryBuyer])
	}
}

func TestCount(t *testing.T) {
	lines := []string{canonicalHeaderLine}
	for i := 0; i < 17; i++ {
		lines = append(lines, "Buyer"+strconv.Itoa(i)+",desc,1,EA,1.00,,,")
	}
	path := writeTempCSV(t, lines)

	r, err := Open(path, "input.csv", Options{BatchSize: 5})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	total, err := Count(r)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 17 {
		t.Errorf("Count = %d, want 17", total)
	}
}

func TestCSVLatin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 and invalid UTF-8.
	content := canonicalHeaderLine + "\nCaf\xe9 Corp,desc,1,EA,1.00,,,\n"
	path := filepath.Join(t.TempDir(), "latin1.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	r, err := Open(path, "latin1.csv", Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	rows := drain(t, r)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0][schema.ColPrimaryBuyer] != "Café Corp" {
		t.Errorf("latin-1 decode failed: %q", rows[0][schema.ColPrimaryBuyer])
	}
}

func TestUnsupportedFormat(t *testing.T) {
	path := writeTempCSV(t, []string{canonicalHeaderLine})
	if _, err := Open(path, "input.parquet", Options{}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func writeTempXLSX(t *testing.T, build func(f *excelize.File)) string {
	t.Helper()
	f := excelize.NewFile()
	build(f)
	path := filepath.Join(t.TempDir(), "input.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("failed to save workbook: %v", err)
	}
	f.Close()
	return path
}

func headerCells() []interface{} {
	cells := make([]interface{}, 0, len(schema.CanonicalHeaders))
	for _, h := range schema.CanonicalHeaders {
		cells = append(cells, h)
	}
	return cells
}

func TestXLSXMultiSheet(t *testing.T) {
	path := writeTempXLSX(t, func(f *excelize.File) {
		// Default sheet gets a matching header and two rows.
		sheet := f.GetSheetName(0)
		f.SetSheetRow(sheet, "A1", &[]interface{}{"note"})
		row := headerCells()
		f.SetSheetRow(sheet, "A2", &row)
		f.SetSheetRow(sheet, "A3", &[]interface{}{"Acme", "CONN 3585720 GOLD", 1200, "EA", 3.45})
		f.SetSheetRow(sheet, "A4", &[]interface{}{"Globex", "BOLT-M8x20", 5, "EA", 0.12})

		// A sheet without canonical headers is skipped.
		f.NewSheet("Notes")
		f.SetSheetRow("Notes", "A1", &[]interface{}{"unrelated", "content"})

		// A second matching sheet contributes more rows.
		f.NewSheet("More")
		row2 := headerCells()
		f.SetSheetRow("More", "A1", &row2)
		f.SetSheetRow("More", "A2", &[]interface{}{"Initech", "WIDGET assy 12-AB", 7, "EA", 9.99})
	})

	r, err := Open(path, "input.xlsx", Options{BatchSize: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	rows := drain(t, r)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows across sheets, got %d", len(rows))
	}
	if rows[2][schema.ColPrimaryBuyer] != "Initech" {
		t.Errorf("sheet order not preserved: %+v", rows[2])
	}
}

func TestXLSXSkipRowsAcrossSheets(t *testing.T) {
	path := writeTempXLSX(t, func(f *excelize.File) {
		sheet := f.GetSheetName(0)
		row := headerCells()
		f.SetSheetRow(sheet, "A1", &row)
		f.SetSheetRow(sheet, "A2", &[]interface{}{"A", "d", 1, "EA", 1.0})
		f.SetSheetRow(sheet, "A3", &[]interface{}{"B", "d", 1, "EA", 1.0})

		f.NewSheet("Second")
		row2 := headerCells()
		f.SetSheetRow("Second", "A1", &row2)
		f.SetSheetRow("Second", "A2", &[]interface{}{"C", "d", 1, "EA", 1.0})
	})

	r, err := Open(path, "input.xlsx", Options{SkipRows: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	rows := drain(t, r)
	if len(rows) != 1 || rows[0][schema.ColPrimaryBuyer] != "C" {
		t.Errorf("skip across sheets failed: %+v", rows)
	}
}

func TestXLSXNoMatchingSheet(t *testing.T) {
	path := writeTempXLSX(t, func(f *excelize.File) {
		sheet := f.GetSheetName(0)
		f.SetSheetRow(sheet, "A1", &[]interface{}{"nothing", "canonical"})
	})

	r, err := Open(path, "input.xlsx", Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if rows := drain(t, r); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}
