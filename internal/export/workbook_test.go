package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"stealthcompany.com/vaccinecoverage/internal/coverage"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/report"
	"stealthcompany.com/vaccinecoverage/internal/trend"
)

func sampleReport() *report.Report {
	ref := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	total, pct := 14, 50.0
	proj := trend.Project(&coverage.Series{
		Category: coverage.OverallName,
		Total:    14,
		Points: []coverage.Point{
			{Date: ref.AddDate(0, 0, -7), Vaccinated: 0, Total: 14},
			{Date: ref, Vaccinated: 7, Total: 14, Percent: 50},
		},
	}, ref, trend.DefaultTarget)

	overall := coverage.Series{
		Category: coverage.OverallName,
		Total:    14,
		Points: []coverage.Point{
			{Date: ref.AddDate(0, 0, -1), Vaccinated: 0, Total: 14},
			{Date: ref, Vaccinated: 7, Total: 14, Percent: 50},
		},
	}

	return &report.Report{
		RunID:         "run-1",
		GeneratedAt:   ref,
		ReferenceDate: "2021-03-01",
		Target:        90,
		Patients:      28,
		Doses: []report.DoseReport{
			{
				DoseField: patient.FirstDose,
				Coverage: &coverage.Result{Groups: []coverage.Group{{
					Name:     "80+",
					Features: []coverage.Feature{{Name: coverage.OverallName, Series: []coverage.Series{overall}}},
				}}},
				Summary: []trend.Row{
					{Group: "80+", Feature: "overall", Category: "overall", Vaccinated: 7, Total: &total, Percent: &pct, Projection: &proj},
					{Group: "other", Feature: "overall", Category: "overall", Vaccinated: 14, PriorVaccinated: 7, CountOnly: true},
				},
			},
			{
				DoseField: patient.SecondDose,
				Coverage:  &coverage.Result{},
				Schedule: &coverage.ScheduleResult{Rows: []coverage.ScheduleRow{
					{Group: "80+", Feature: "overall", Category: "overall", Due: 140, Given: 70, Overdue: 70, PercentGiven: 50, PercentOverdue: 50, Total: 280},
				}},
			},
		},
		Completeness:  []coverage.Completeness{{Group: "80+", Column: coverage.EthnicityColumn, Total: 28, Known: 21, Percent: 75}},
		CareHomeFlags: &coverage.CareHomeComparison{AddressOnly: 7, CodeOnly: 14, Total: 21, AddressOnlyPercent: 33.3, CodeOnlyPercent: 66.7},
	}
}

func TestWorkbook(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(sampleReport(), &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, []string{
		RunSheet,
		"First dose summary",
		"First dose series",
		"Second dose summary",
		"Second dose series",
		"Second dose schedule",
		"Data quality",
		"Care home flags",
	}, f.GetSheetList())

	rows, err := f.GetRows("First dose summary")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, summaryHeader, rows[0])
	require.Equal(t, []string{"80+", "overall", "overall", "7", "0", "14", "50", "50", "0", "projected", "2021-03-07"}, rows[1])
	require.Equal(t, []string{"other", "overall", "overall", "14", "7"}, rows[2])

	rows, err = f.GetRows("First dose series")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"80+", "overall", "overall", "2021-03-01", "7", "14", "50", "FALSE"}, rows[2])

	rows, err = f.GetRows("Second dose schedule")
	require.NoError(t, err)
	require.Equal(t, "140", rows[1][3])

	rows, err = f.GetRows("Data quality")
	require.NoError(t, err)
	require.Equal(t, []string{"80+", coverage.EthnicityColumn, "21", "28", "75"}, rows[1])

	rows, err = f.GetRows("Care home flags")
	require.NoError(t, err)
	require.Equal(t, careHomeHeader, rows[0])
	require.Equal(t, []string{"clinical code only", "14", "66.7"}, rows[2])
	require.Equal(t, []string{"total", "21", "100"}, rows[4])

	cell, err := f.GetCellValue(RunSheet, "B2")
	require.NoError(t, err)
	require.Equal(t, "run-1", cell)
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coverage.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	require.NoError(t, Hook(path)(sampleReport()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	require.Contains(t, f.GetSheetList(), RunSheet)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSheetName(t *testing.T) {
	require.Equal(t, "Third dose schedule", SheetName(patient.ThirdDose, "schedule"))
	long := SheetName("covid_vacc_some_extremely_long_dose_column", "summary")
	if len(long) != excelize.MaxSheetNameLength {
		t.Errorf("Expected %d characters, got %d", excelize.MaxSheetNameLength, len(long))
	}
}
