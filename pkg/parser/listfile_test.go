package parser

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestPartListCSVWithHeader(t *testing.T) {
	in := "Part Number,Notes\nABC-123,first\nDEF-456,second\n\nGHI-789,\n"
	parts, err := PartList(strings.NewReader(in), "list.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC-123", "DEF-456", "GHI-789"}, parts)
}

func TestPartListCSVHeaderless(t *testing.T) {
	in := "ABC-123\nDEF-456\n"
	parts, err := PartList(strings.NewReader(in), "list.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC-123", "DEF-456"}, parts)
}

func TestPartListPicksNamedColumn(t *testing.T) {
	in := "Qty,part_no,Price\n5,X-1,9.99\n2,Y-2,1.00\n"
	parts, err := PartList(strings.NewReader(in), "list.csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"X-1", "Y-2"}, parts)
}

func TestPartListWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]string{"PN", "Description"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]string{"W-100", "widget"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]string{"W-200", "gadget"}))

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	parts, err := PartList(&buf, "list.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []string{"W-100", "W-200"}, parts)
}

func TestPartListRejectsUnknownFormat(t *testing.T) {
	_, err := PartList(strings.NewReader("x"), "list.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
