package sqlite

import (
	"context"
	"fmt"
	"time"
)

// Seed loads a demo dataset into an empty store: one project with two
// subprojects, three planning years, exchange and forecast rates, booked
// actuals and approval fixtures. A store that already holds projects is
// left untouched.
func (s *Store) Seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return fmt.Errorf("failed to check seed state: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	signing := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	qg4 := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	type stmt struct {
		query string
		args  []any
	}
	statements := []stmt{
		{`INSERT INTO projects (prj_id, display_id, division_id, ifrs_version_id, selected_version, currency_id)
		  VALUES (?, ?, ?, ?, ?, ?)`,
			[]any{1000, "P-1000", 7, 2, 2, 1}},

		{`INSERT INTO navigation_items (id, project_id, parent_id, display_id, name) VALUES (?, ?, ?, ?, ?)`,
			[]any{1, 1000, 0, "P-1000", "Harbor Crane Modernization"}},
		{`INSERT INTO navigation_items (id, project_id, parent_id, display_id, name) VALUES (?, ?, ?, ?, ?)`,
			[]any{2, 1000, 1, "SP-100", "Mechanical Retrofit"}},
		{`INSERT INTO navigation_items (id, project_id, parent_id, display_id, name) VALUES (?, ?, ?, ?, ?)`,
			[]any{3, 1000, 1, "SP-200", "Control Systems"}},

		{`INSERT INTO subprojects
		  (project_id, mcr_subproject_id, name, css_subproject_id, currency_id, ifrs_version_id,
		   contract_signing, invoice_customer_id, special_sale_company,
		   next_qg4_name, next_qg4_date, upd_user, upd_date, latest_upd_date)
		  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			[]any{1000, "SP-100", "Mechanical Retrofit", "CSS-100", 1, 2,
				signing, 4711, "Harbor Logistics GmbH", "QG4", qg4, "seed", now, now}},
		{`INSERT INTO subprojects
		  (project_id, mcr_subproject_id, name, css_subproject_id, currency_id, ifrs_version_id,
		   contract_signing, invoice_customer_id, special_sale_company,
		   next_qg4_name, next_qg4_date, upd_user, upd_date, latest_upd_date)
		  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			[]any{1000, "SP-200", "Control Systems", "", 2, 2,
				signing, 0, "", "QG4", qg4, "seed", now, now}},

		{`INSERT INTO currencies (id, code, name) VALUES (1, 'EUR', 'Euro')`, nil},
		{`INSERT INTO currencies (id, code, name) VALUES (2, 'USD', 'US Dollar')`, nil},

		{`INSERT INTO forecast_rates (currency_id, rate) VALUES (1, '1')`, nil},
		{`INSERT INTO forecast_rates (currency_id, rate) VALUES (2, '1.25')`, nil},
	}

	planYears := map[int][3]string{
		2024: {"1200", "400", "150"},
		2025: {"1800", "600", "220"},
		2026: {"900", "300", "80"},
	}
	valueID := int64(0)
	for _, key := range []string{"SP-100", "SP-200"} {
		for year, v := range planYears {
			valueID += 2
			statements = append(statements, stmt{`INSERT INTO plan_rows
				(project_id, subproject_id, year, current_cost,
				 otp_value, otp_raw, otp_value_id, otp_upd_date,
				 pao_value, pao_raw, pao_value_id, pao_upd_date)
				VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL, ?, ?)`,
				[]any{1000, key, year, v[0], v[1], valueID - 1, now, v[2], valueID, now}})
			statements = append(statements, stmt{`INSERT INTO plan_compare (project_id, subproject_id, version, year, cost, otp, pao)
				VALUES (?, ?, 2, ?, ?, ?, ?)`,
				[]any{1000, key, year, v[0], v[1], v[2]}})
		}
	}

	for _, rate := range []struct {
		currency int64
		year     int
		rate     string
	}{
		{1, 2024, "1"}, {1, 2025, "1"}, {1, 2026, "1"},
		{2, 2024, "1.22"}, {2, 2025, "1.25"}, {2, 2026, "1.27"},
	} {
		statements = append(statements, stmt{`INSERT INTO exchange_rates (currency_id, year, rate) VALUES (?, ?, ?)`,
			[]any{rate.currency, rate.year, rate.rate}})
	}

	statements = append(statements,
		stmt{`INSERT INTO actual_rows (project_id, subproject_id, year, cost, otp, pao)
			VALUES (1000, 'SP-100', 2024, '1150', '390', '140')`, nil},
		stmt{`INSERT INTO actual_rows (project_id, subproject_id, year, cost, otp, pao)
			VALUES (1000, 'SP-200', 2024, '1100', '410', '160')`, nil},
		stmt{`INSERT INTO actual_summary (project_id, year, cost, otp, pao)
			VALUES (1000, 2024, '2250', '800', '300')`, nil},
		stmt{`INSERT INTO approval_permissions (project_id, can_approve, can_review)
			VALUES (1000, TRUE, TRUE)`, nil},
		stmt{`INSERT INTO review_committees (id, name) VALUES (1, 'Divisional Review Board')`, nil},
		stmt{`INSERT INTO review_committees (id, name) VALUES (2, 'Group Finance Committee')`, nil},
		stmt{`INSERT INTO approval_milestones (project_id, name, date) VALUES (1000, 'QG4', ?)`,
			[]any{qg4}},
	)

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
	}
	return tx.Commit()
}
