/*
Package sqlite provides a SQLite-backed implementation of the backend
service contracts.

PURPOSE:
  Implements every service interface (ProjectService, SubprojectService,
  ActualDataService, CurrencyService, ApprovalService) on SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  projects:             Project master data
  navigation_items:     Navigation tree nodes
  subprojects:          Subproject master data (one row per subproject)
  plan_rows:            Yearly cost/OTP/PAO planning rows
  plan_compare:         Per-comparison-version compare columns
  exchange_rates:       Year-resolved exchange rates
  forecast_rates:       Current forecast rates
  actual_rows:          Booked actuals per subproject and year
  actual_summary:       Pre-aggregated actuals per project and year
  approval_*:           Permissions, committees, milestones, history

CONCURRENCY:
  Saves perform the optimistic check: an incoming update token older than
  the stored one fails with the distinguished outdated-data error and
  nothing is written. The whole batch is one SQL transaction.

VALUE ENCODING:
  Monetary values are stored as decimal strings, never floats; NULL means
  absent. An OTP/PAO cell stores either a value or the rejected raw input.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/planning.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - services/contracts.go: Interface definitions
  - services/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
)

// Store implements all backend service contracts using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// baseCurrency is the currency actuals are booked in; requests for
	// another currency are converted with the forecast rates.
	baseCurrency int64
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, baseCurrency: 1}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		prj_id INTEGER PRIMARY KEY,
		display_id TEXT NOT NULL UNIQUE,
		division_id INTEGER NOT NULL DEFAULT 0,
		ifrs_version_id INTEGER NOT NULL,
		selected_version INTEGER NOT NULL,
		currency_id INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS navigation_items (
		id INTEGER PRIMARY KEY,
		project_id INTEGER NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		display_id TEXT NOT NULL,
		name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_navigation_project
		ON navigation_items(project_id);

	CREATE TABLE IF NOT EXISTS subprojects (
		project_id INTEGER NOT NULL,
		mcr_subproject_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		css_subproject_id TEXT NOT NULL DEFAULT '',
		currency_id INTEGER NOT NULL,
		ifrs_version_id INTEGER NOT NULL,
		contractual_otp TEXT,
		contractual_pao TEXT,
		start_pao TEXT,
		end_pao TEXT,
		otp_rate TEXT,
		pao_rate TEXT,
		contract_signing TEXT,
		invoice_customer_id INTEGER NOT NULL DEFAULT 0,
		special_sale_company TEXT NOT NULL DEFAULT '',
		next_qg4_name TEXT,
		next_qg4_date TEXT,
		upd_user TEXT NOT NULL DEFAULT '',
		upd_date TEXT NOT NULL DEFAULT '',
		latest_upd_date TEXT NOT NULL,
		PRIMARY KEY (project_id, mcr_subproject_id)
	);

	-- Yearly planning rows. The current plan is version-independent; the
	-- compare column per version lives in plan_compare.
	CREATE TABLE IF NOT EXISTS plan_rows (
		project_id INTEGER NOT NULL,
		subproject_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		current_cost TEXT,
		otp_value TEXT,
		otp_raw TEXT,
		otp_value_id INTEGER NOT NULL DEFAULT 0,
		otp_upd_date TEXT NOT NULL DEFAULT '',
		pao_value TEXT,
		pao_raw TEXT,
		pao_value_id INTEGER NOT NULL DEFAULT 0,
		pao_upd_date TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, subproject_id, year)
	);

	CREATE TABLE IF NOT EXISTS plan_compare (
		project_id INTEGER NOT NULL,
		subproject_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		year INTEGER NOT NULL,
		cost TEXT,
		otp TEXT,
		pao TEXT,
		PRIMARY KEY (project_id, subproject_id, version, year)
	);

	CREATE TABLE IF NOT EXISTS currencies (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS exchange_rates (
		currency_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		rate TEXT NOT NULL,
		PRIMARY KEY (currency_id, year)
	);

	CREATE TABLE IF NOT EXISTS forecast_rates (
		currency_id INTEGER PRIMARY KEY,
		rate TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS actual_rows (
		project_id INTEGER NOT NULL,
		subproject_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		cost TEXT,
		otp TEXT,
		pao TEXT,
		PRIMARY KEY (project_id, subproject_id, year)
	);

	CREATE TABLE IF NOT EXISTS actual_summary (
		project_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		cost TEXT,
		otp TEXT,
		pao TEXT,
		PRIMARY KEY (project_id, year)
	);

	CREATE TABLE IF NOT EXISTS approval_permissions (
		project_id INTEGER PRIMARY KEY,
		can_approve BOOLEAN NOT NULL DEFAULT FALSE,
		can_review BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS review_committees (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_milestones (
		project_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_milestones_project
		ON approval_milestones(project_id);

	CREATE TABLE IF NOT EXISTS approval_history (
		id TEXT PRIMARY KEY,
		project_id INTEGER NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_project
		ON approval_history(project_id, at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROJECT SERVICE
// =============================================================================

func (s *Store) ProjectData(ctx context.Context, displayID string) (planning.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p planning.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT prj_id, display_id, division_id, ifrs_version_id, selected_version, currency_id
		FROM projects WHERE display_id = ?`, displayID,
	).Scan(&p.PrjID, &p.DisplayID, &p.DivisionID, &p.IFRSVersionID, &p.SelectedVersion, &p.SelectedCurrencyID)
	if err == sql.ErrNoRows {
		return planning.Project{}, services.ErrorOf("project.data", services.ErrNotFound)
	}
	if err != nil {
		return planning.Project{}, fmt.Errorf("failed to load project: %w", err)
	}
	p.OriginalVersion = p.SelectedVersion
	return p, nil
}

func (s *Store) NavigationItems(ctx context.Context, projectID int64) (services.ProjectNavigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, display_id, name
		FROM navigation_items WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return services.ProjectNavigation{}, fmt.Errorf("failed to load navigation: %w", err)
	}
	defer rows.Close()

	nav := services.ProjectNavigation{ProjectID: projectID}
	for rows.Next() {
		var item services.NavigationItem
		if err := rows.Scan(&item.ID, &item.ParentID, &item.DisplayID, &item.Name); err != nil {
			return services.ProjectNavigation{}, err
		}
		nav.Items = append(nav.Items, item)
	}
	return nav, rows.Err()
}

// =============================================================================
// SUBPROJECT SERVICE
// =============================================================================

func (s *Store) ProjectSubprojects(ctx context.Context, projectID int64, version planning.CompareVersion) ([]planning.Subproject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sps, err := s.querySubprojects(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(sps) == 0 {
		return nil, services.ErrorOf("subproject.list", services.ErrNotFound)
	}
	for i := range sps {
		if err := s.loadPlanRows(ctx, projectID, &sps[i], version); err != nil {
			return nil, err
		}
	}
	return sps, nil
}

func (s *Store) querySubprojects(ctx context.Context, projectID int64) ([]planning.Subproject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mcr_subproject_id, name, css_subproject_id, currency_id, ifrs_version_id,
		       contractual_otp, contractual_pao, start_pao, end_pao, otp_rate, pao_rate,
		       contract_signing, invoice_customer_id, special_sale_company,
		       next_qg4_name, next_qg4_date, upd_user, upd_date, latest_upd_date
		FROM subprojects WHERE project_id = ? ORDER BY mcr_subproject_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subprojects: %w", err)
	}
	defer rows.Close()

	var out []planning.Subproject
	for rows.Next() {
		var (
			sp                           planning.Subproject
			cOTP, cPAO, oRate, pRate     sql.NullString
			startPAO, endPAO, signing    sql.NullString
			qg4Name, qg4Date             sql.NullString
			latestUpd                    string
		)
		err := rows.Scan(
			&sp.MCR.MCRSubprojectID, &sp.MCR.Name, &sp.CSS.CSSSubprojectID,
			&sp.CSS.CurrencyID, &sp.CSS.IFRSVersionID,
			&cOTP, &cPAO, &startPAO, &endPAO, &oRate, &pRate, &signing,
			&sp.CSS.InvoiceCustomerID, &sp.CSS.SpecialSaleCompany,
			&qg4Name, &qg4Date, &sp.UpdUser, &sp.CSS.UpdDate, &latestUpd,
		)
		if err != nil {
			return nil, err
		}
		sp.MCR.MCRProjectID = projectID
		sp.CSS.ContractualOTP = scanDecimal(cOTP)
		sp.CSS.ContractualPAO = scanDecimal(cPAO)
		sp.CSS.OTPRate = scanDecimal(oRate)
		sp.CSS.PAORate = scanDecimal(pRate)
		sp.CSS.StartPAO = scanTime(startPAO)
		sp.CSS.EndPAO = scanTime(endPAO)
		sp.CSS.ContractSigning = scanTime(signing)
		if qg4Name.Valid && qg4Date.Valid {
			if d, err := time.Parse(time.RFC3339, qg4Date.String); err == nil {
				sp.MCR.NextQG4 = &planning.Milestone{Name: qg4Name.String, Date: d}
			}
		}
		if d, err := time.Parse(time.RFC3339, latestUpd); err == nil {
			sp.LatestUpdDate = d
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) loadPlanRows(ctx context.Context, projectID int64, sp *planning.Subproject, version planning.CompareVersion) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.year, r.current_cost,
		       r.otp_value, r.otp_raw, r.otp_value_id, r.otp_upd_date,
		       r.pao_value, r.pao_raw, r.pao_value_id, r.pao_upd_date,
		       c.cost, c.otp, c.pao
		FROM plan_rows r
		LEFT JOIN plan_compare c
		  ON c.project_id = r.project_id AND c.subproject_id = r.subproject_id
		 AND c.year = r.year AND c.version = ?
		WHERE r.project_id = ? AND r.subproject_id = ?
		ORDER BY r.year`, int(version), projectID, sp.Key())
	if err != nil {
		return fmt.Errorf("failed to load plan rows: %w", err)
	}
	defer rows.Close()

	sp.Rows = sp.Rows[:0]
	for rows.Next() {
		var (
			row                    planning.YearRow
			cost                   sql.NullString
			otpVal, otpRaw         sql.NullString
			paoVal, paoRaw         sql.NullString
			cmpCost, cmpOTP, cmpPAO sql.NullString
		)
		err := rows.Scan(&row.Year, &cost,
			&otpVal, &otpRaw, &row.CurrentOTP.ValueID, &row.CurrentOTP.UpdDate,
			&paoVal, &paoRaw, &row.CurrentPAO.ValueID, &row.CurrentPAO.UpdDate,
			&cmpCost, &cmpOTP, &cmpPAO)
		if err != nil {
			return err
		}
		row.CurrentCost = scanDecimal(cost)
		row.CurrentOTP.MetricValue = scanMetric(otpVal, otpRaw)
		row.CurrentPAO.MetricValue = scanMetric(paoVal, paoRaw)
		row.CostCompare = scanDecimal(cmpCost)
		row.OTPCompare = scanDecimal(cmpOTP)
		row.PAOCompare = scanDecimal(cmpPAO)
		sp.Rows = append(sp.Rows, row)
	}
	return rows.Err()
}

// SaveSubprojects checks the update token of every incoming record against
// the stored one before anything is written; a mismatch fails the whole
// batch with the outdated-data error. The batch is one SQL transaction.
func (s *Store) SaveSubprojects(ctx context.Context, projectID int64, sps []planning.Subproject) ([]planning.Subproject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sp := range sps {
		var stored string
		err := tx.QueryRowContext(ctx,
			`SELECT latest_upd_date FROM subprojects WHERE project_id = ? AND mcr_subproject_id = ?`,
			projectID, sp.Key(),
		).Scan(&stored)
		if err == sql.ErrNoRows {
			return nil, services.ErrorOf("subproject.save", services.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		storedAt, err := time.Parse(time.RFC3339, stored)
		if err == nil && storedAt.After(sp.LatestUpdDate) {
			return nil, services.ErrorOf("subproject.save", &services.ConflictError{SubprojectKey: sp.Key()})
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	saved := make([]planning.Subproject, 0, len(sps))
	for _, incoming := range sps {
		record := incoming.Clone()
		record.LatestUpdDate = now
		record.CSS.UpdDate = now.Format(time.RFC3339)
		if err := s.assignValueIDs(ctx, tx, &record); err != nil {
			return nil, err
		}
		if err := s.writeSubproject(ctx, tx, projectID, record); err != nil {
			return nil, err
		}
		saved = append(saved, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}
	return saved, nil
}

func (s *Store) assignValueIDs(ctx context.Context, tx *sql.Tx, sp *planning.Subproject) error {
	var maxOTP, maxPAO int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(otp_value_id), 0), COALESCE(MAX(pao_value_id), 0) FROM plan_rows`,
	).Scan(&maxOTP, &maxPAO)
	if err != nil {
		return err
	}
	next := maxOTP
	if maxPAO > next {
		next = maxPAO
	}
	for i := range sp.Rows {
		for _, cell := range []*planning.MetricCell{&sp.Rows[i].CurrentOTP, &sp.Rows[i].CurrentPAO} {
			if cell.ValueID == 0 && !cell.IsAbsent() {
				next++
				cell.ValueID = next
			}
		}
	}
	return nil
}

func (s *Store) writeSubproject(ctx context.Context, tx *sql.Tx, projectID int64, sp planning.Subproject) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subprojects SET
			name = ?, css_subproject_id = ?, currency_id = ?, ifrs_version_id = ?,
			contractual_otp = ?, contractual_pao = ?, start_pao = ?, end_pao = ?,
			otp_rate = ?, pao_rate = ?, contract_signing = ?,
			invoice_customer_id = ?, special_sale_company = ?,
			upd_user = ?, upd_date = ?, latest_upd_date = ?
		WHERE project_id = ? AND mcr_subproject_id = ?`,
		sp.MCR.Name, sp.CSS.CSSSubprojectID, sp.CSS.CurrencyID, sp.CSS.IFRSVersionID,
		bindDecimal(sp.CSS.ContractualOTP), bindDecimal(sp.CSS.ContractualPAO),
		bindTime(sp.CSS.StartPAO), bindTime(sp.CSS.EndPAO),
		bindDecimal(sp.CSS.OTPRate), bindDecimal(sp.CSS.PAORate),
		bindTime(sp.CSS.ContractSigning),
		sp.CSS.InvoiceCustomerID, sp.CSS.SpecialSaleCompany,
		sp.UpdUser, sp.CSS.UpdDate, sp.LatestUpdDate.Format(time.RFC3339),
		projectID, sp.Key(),
	)
	if err != nil {
		return fmt.Errorf("failed to update subproject: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM plan_rows WHERE project_id = ? AND subproject_id = ?`,
		projectID, sp.Key()); err != nil {
		return err
	}
	for _, row := range sp.Rows {
		otpVal, otpRaw := bindMetric(row.CurrentOTP.MetricValue)
		paoVal, paoRaw := bindMetric(row.CurrentPAO.MetricValue)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plan_rows
			(project_id, subproject_id, year, current_cost,
			 otp_value, otp_raw, otp_value_id, otp_upd_date,
			 pao_value, pao_raw, pao_value_id, pao_upd_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, sp.Key(), row.Year, bindDecimal(row.CurrentCost),
			otpVal, otpRaw, row.CurrentOTP.ValueID, row.CurrentOTP.UpdDate,
			paoVal, paoRaw, row.CurrentPAO.ValueID, row.CurrentPAO.UpdDate,
		)
		if err != nil {
			return fmt.Errorf("failed to insert plan row: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ACTUAL DATA SERVICE
// =============================================================================

func (s *Store) ActualData(ctx context.Context, projectID int64, subprojectKey string, currencyID int64) ([]services.SubprojectActualData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT subproject_id, year, cost, otp, pao FROM actual_rows
		WHERE project_id = ?`
	args := []any{projectID}
	if subprojectKey != "" {
		query += ` AND subproject_id = ?`
		args = append(args, subprojectKey)
	}
	query += ` ORDER BY subproject_id, year`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load actual data: %w", err)
	}
	defer rows.Close()

	forecast, err := s.queryForecastRates(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []services.SubprojectActualData
	for rows.Next() {
		var (
			key             string
			year            int
			cost, otp, pao  sql.NullString
		)
		if err := rows.Scan(&key, &year, &cost, &otp, &pao); err != nil {
			return nil, err
		}
		actual := s.convertActual(planning.ActualYear{
			Year: year, Cost: scanDecimal(cost), OTP: scanDecimal(otp), PAO: scanDecimal(pao),
		}, forecast, currencyID)

		if len(out) == 0 || out[len(out)-1].SubprojectKey != key {
			out = append(out, services.SubprojectActualData{SubprojectKey: key})
		}
		out[len(out)-1].Rows = append(out[len(out)-1].Rows, actual)
	}
	return out, rows.Err()
}

func (s *Store) ActualDataSummary(ctx context.Context, projectID int64, currencyID int64) ([]planning.ActualYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT year, cost, otp, pao FROM actual_summary
		WHERE project_id = ? ORDER BY year`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actual summary: %w", err)
	}
	defer rows.Close()

	forecast, err := s.queryForecastRates(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []planning.ActualYear
	for rows.Next() {
		var (
			year           int
			cost, otp, pao sql.NullString
		)
		if err := rows.Scan(&year, &cost, &otp, &pao); err != nil {
			return nil, err
		}
		out = append(out, s.convertActual(planning.ActualYear{
			Year: year, Cost: scanDecimal(cost), OTP: scanDecimal(otp), PAO: scanDecimal(pao),
		}, forecast, currencyID))
	}
	return out, rows.Err()
}

func (s *Store) convertActual(a planning.ActualYear, forecast []fx.ForecastRate, currencyID int64) planning.ActualYear {
	if currencyID == 0 || currencyID == s.baseCurrency {
		return a
	}
	a.Cost = fx.ConvertForecast(a.Cost, forecast, s.baseCurrency, currencyID)
	a.OTP = fx.ConvertForecast(a.OTP, forecast, s.baseCurrency, currencyID)
	a.PAO = fx.ConvertForecast(a.PAO, forecast, s.baseCurrency, currencyID)
	return a
}

// =============================================================================
// CURRENCY SERVICE
// =============================================================================

func (s *Store) Currencies(ctx context.Context) ([]services.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name FROM currencies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load currencies: %w", err)
	}
	defer rows.Close()

	var out []services.Currency
	for rows.Next() {
		var c services.Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExchangeRates fails with the rate-not-found error for the first missing
// year/currency pair; a partial table is never returned.
func (s *Store) ExchangeRates(ctx context.Context, years []int, _ planning.CompareVersion, currencyIDs []int64) ([]fx.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []fx.CurrencyRate
	for _, id := range currencyIDs {
		table := fx.CurrencyRate{CurrencyID: id}
		for _, year := range years {
			var raw string
			err := s.db.QueryRowContext(ctx,
				`SELECT rate FROM exchange_rates WHERE currency_id = ? AND year = ?`,
				id, year,
			).Scan(&raw)
			if err == sql.ErrNoRows {
				return nil, services.ErrorOf("currency.rates", &services.RateNotFoundError{Year: year, CurrencyID: id})
			}
			if err != nil {
				return nil, err
			}
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("malformed rate for currency %d year %d: %w", id, year, err)
			}
			table.RatePerYears = append(table.RatePerYears, fx.YearlyRate{Year: year, Rate: rate})
		}
		out = append(out, table)
	}
	return out, nil
}

func (s *Store) ForecastRates(ctx context.Context, currencyIDs []int64) ([]fx.ForecastRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryForecastRates(ctx, currencyIDs)
}

func (s *Store) queryForecastRates(ctx context.Context, currencyIDs []int64) ([]fx.ForecastRate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT currency_id, rate FROM forecast_rates ORDER BY currency_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load forecast rates: %w", err)
	}
	defer rows.Close()

	wanted := make(map[int64]bool, len(currencyIDs))
	for _, id := range currencyIDs {
		wanted[id] = true
	}

	var out []fx.ForecastRate
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed forecast rate for currency %d: %w", id, err)
		}
		out = append(out, fx.ForecastRate{CurrencyID: id, Rate: rate})
	}
	return out, rows.Err()
}

// =============================================================================
// APPROVAL SERVICE
// =============================================================================

func (s *Store) Permissions(ctx context.Context, projectID int64) (services.ApprovalPermissions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var perms services.ApprovalPermissions
	err := s.db.QueryRowContext(ctx,
		`SELECT can_approve, can_review FROM approval_permissions WHERE project_id = ?`,
		projectID,
	).Scan(&perms.CanApprove, &perms.CanReview)
	if err == sql.ErrNoRows {
		return services.ApprovalPermissions{}, nil
	}
	if err != nil {
		return services.ApprovalPermissions{}, fmt.Errorf("failed to load permissions: %w", err)
	}
	return perms, nil
}

func (s *Store) CheckStatus(ctx context.Context, projectID int64, tokens []services.LastUpdatedSubproject) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkTokens(ctx, projectID, tokens)
}

func (s *Store) checkTokens(ctx context.Context, projectID int64, tokens []services.LastUpdatedSubproject) error {
	for _, token := range tokens {
		var stored string
		err := s.db.QueryRowContext(ctx,
			`SELECT latest_upd_date FROM subprojects WHERE project_id = ? AND mcr_subproject_id = ?`,
			projectID, token.SubprojectKey,
		).Scan(&stored)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		storedAt, err := time.Parse(time.RFC3339, stored)
		if err == nil && storedAt.After(token.UpdatedAt) {
			return services.ErrorOf("approval.check", &services.ConflictError{SubprojectKey: token.SubprojectKey})
		}
	}
	return nil
}

func (s *Store) SaveApproval(ctx context.Context, submission services.ApprovalSubmission) (services.ApprovalResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTokens(ctx, submission.ProjectID, submission.LastUpdated); err != nil {
		return services.ApprovalResponse{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return services.ApprovalResponse{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second)
	resp := services.ApprovalResponse{ApprovalID: uuid.NewString()}
	for _, request := range submission.NewCSSSubprojects {
		created := services.CreatedCSSSubproject{
			SubprojectKey:   request.SubprojectKey,
			CSSSubprojectID: uuid.NewString(),
			UpdDate:         now.Format(time.RFC3339),
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE subprojects SET css_subproject_id = ?, upd_date = ?
			WHERE project_id = ? AND mcr_subproject_id = ?`,
			created.CSSSubprojectID, created.UpdDate,
			submission.ProjectID, created.SubprojectKey,
		)
		if err != nil {
			return services.ApprovalResponse{}, fmt.Errorf("failed to create css subproject: %w", err)
		}
		resp.Created = append(resp.Created, created)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_history (id, project_id, actor, action, comment, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		resp.ApprovalID, submission.ProjectID, "", "approval_submitted",
		submission.Comment, now.Format(time.RFC3339),
	)
	if err != nil {
		return services.ApprovalResponse{}, fmt.Errorf("failed to record approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return services.ApprovalResponse{}, fmt.Errorf("failed to commit approval: %w", err)
	}
	return resp, nil
}

func (s *Store) ReviewCommittees(ctx context.Context) ([]services.ReviewCommittee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM review_committees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load committees: %w", err)
	}
	defer rows.Close()

	var out []services.ReviewCommittee
	for rows.Next() {
		var c services.ReviewCommittee
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Milestones(ctx context.Context, projectID int64) ([]planning.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, date FROM approval_milestones WHERE project_id = ? ORDER BY date`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load milestones: %w", err)
	}
	defer rows.Close()

	var out []planning.Milestone
	for rows.Next() {
		var (
			m   planning.Milestone
			raw string
		)
		if err := rows.Scan(&m.Name, &raw); err != nil {
			return nil, err
		}
		if d, err := time.Parse(time.RFC3339, raw); err == nil {
			m.Date = d
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, projectID int64) ([]services.ApprovalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, comment, at FROM approval_history
		WHERE project_id = ? ORDER BY at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval history: %w", err)
	}
	defer rows.Close()

	var out []services.ApprovalEvent
	for rows.Next() {
		var (
			e   services.ApprovalEvent
			raw string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Comment, &raw); err != nil {
			return nil, err
		}
		e.ProjectID = projectID
		if d, err := time.Parse(time.RFC3339, raw); err == nil {
			e.At = d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// VALUE BINDING
// =============================================================================

func bindDecimal(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func scanDecimal(v sql.NullString) decimal.NullDecimal {
	if !v.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// bindMetric encodes a cell as (value, raw): a valid cell stores its value,
// an invalid cell the rejected input, an absent cell neither.
func bindMetric(m planning.MetricValue) (any, any) {
	if v, ok := m.Decimal(); ok {
		return v.String(), nil
	}
	if m.IsInvalid() {
		return nil, m.Raw()
	}
	return nil, nil
}

func scanMetric(value, raw sql.NullString) planning.MetricValue {
	if value.Valid {
		if d, err := decimal.NewFromString(value.String); err == nil {
			return planning.ValidMetric(d)
		}
	}
	if raw.Valid {
		return planning.InvalidMetric(raw.String)
	}
	return planning.MetricValue{}
}

func bindTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	d, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &d
}
