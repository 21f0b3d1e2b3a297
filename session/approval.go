/*
approval.go - Approval flow orchestration

PURPOSE:
  Assembles the approval dialog payload from the canonical project state and
  applies the submission result back. Approval always operates on saved
  state: dirty subprojects are saved first, and only a successful save opens
  the dialog.

PAYLOAD RULES:
  - canApprove combines the backend permission with the project's own
    version window: a read-only project cannot be approved from here.
  - A subproject needs a CSS record created during approval when it has no
    CSSSubprojectID yet but carries both an invoice customer and a special
    sale company.
  - The last-known update tokens of all subprojects ride along for the
    server-side concurrency check.
*/
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
)

// ApprovalDialogData is everything the approval dialog needs to open.
type ApprovalDialogData struct {
	ProjectID  int64
	BudID      int64
	CanApprove bool

	NewCSSSubprojects []services.NewCSSSubproject
	LastUpdated       []services.LastUpdatedSubproject
}

// =============================================================================
// PAYLOAD ASSEMBLY
// =============================================================================

// NewCSSSubprojectsForApproval lists the subprojects that need a CSS record
// created as part of the approval.
func NewCSSSubprojectsForApproval(p *planning.Project) []services.NewCSSSubproject {
	var out []services.NewCSSSubproject
	for i := range p.Subprojects {
		css := &p.Subprojects[i].CSS
		if css.CSSSubprojectID != "" {
			continue
		}
		if css.InvoiceCustomerID == 0 || css.SpecialSaleCompany == "" {
			continue
		}
		out = append(out, services.NewCSSSubproject{
			SubprojectKey:      p.Subprojects[i].Key(),
			InvoiceCustomerID:  css.InvoiceCustomerID,
			SpecialSaleCompany: css.SpecialSaleCompany,
		})
	}
	return out
}

// LastUpdatedSubprojects collects the concurrency tokens of all subprojects.
func LastUpdatedSubprojects(p *planning.Project) []services.LastUpdatedSubproject {
	out := make([]services.LastUpdatedSubproject, 0, len(p.Subprojects))
	for i := range p.Subprojects {
		out = append(out, services.LastUpdatedSubproject{
			SubprojectKey: p.Subprojects[i].Key(),
			UpdatedAt:     p.Subprojects[i].LatestUpdDate,
		})
	}
	return out
}

// BuildApprovalDialogData assembles the dialog payload for a project.
func BuildApprovalDialogData(p *planning.Project, perms services.ApprovalPermissions) ApprovalDialogData {
	return ApprovalDialogData{
		ProjectID:         p.PrjID,
		BudID:             p.DivisionID,
		CanApprove:        perms.CanApprove && planning.IsWritable(p.IFRSVersionID),
		NewCSSSubprojects: NewCSSSubprojectsForApproval(p),
		LastUpdated:       LastUpdatedSubprojects(p),
	}
}

// =============================================================================
// SESSION ENTRY POINTS
// =============================================================================

// Approve prepares the approval flow: validation errors block it, dirty
// subprojects are saved first, and the dialog payload is assembled from the
// saved state.
func (s *Service) Approve(ctx context.Context) (ApprovalDialogData, error) {
	if s.closed.Load() {
		return ApprovalDialogData{}, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return ApprovalDialogData{}, ErrNotLoaded
	}
	if s.dirty.hasErrors() {
		return ApprovalDialogData{}, services.ErrorOf("session.approve", services.ErrIncorrectParams)
	}

	if s.dirty.isDirty() {
		if err := s.saveLocked(ctx); err != nil {
			return ApprovalDialogData{}, err
		}
	}

	s.setState(StateApprovalPending)
	data := BuildApprovalDialogData(s.project, s.permissions)
	s.log.Info("approval dialog prepared",
		zap.Int64("project", data.ProjectID),
		zap.Int("new_css_subprojects", len(data.NewCSSSubprojects)))
	return data, nil
}

// SubmitApproval sends the approval payload and applies the server response
// to the canonical model. A conflict detected server-side is acknowledged
// and recovered by reloading, same as a save conflict.
func (s *Service) SubmitApproval(ctx context.Context, data ApprovalDialogData, committeeID int64, comment string) (services.ApprovalResponse, error) {
	if s.closed.Load() {
		return services.ApprovalResponse{}, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return services.ApprovalResponse{}, ErrNotLoaded
	}

	submission := services.ApprovalSubmission{
		ProjectID:         data.ProjectID,
		BudID:             data.BudID,
		CommitteeID:       committeeID,
		Comment:           comment,
		NewCSSSubprojects: data.NewCSSSubprojects,
		LastUpdated:       data.LastUpdated,
	}

	resp, err := s.cfg.Approvals.SaveApproval(ctx, submission)
	if s.closed.Load() {
		return services.ApprovalResponse{}, ErrSessionClosed
	}
	if err != nil {
		if services.IsConflict(err) {
			return services.ApprovalResponse{}, s.recoverConflictLocked(ctx, err)
		}
		s.setState(StateLoaded)
		return services.ApprovalResponse{}, services.Classify("approval.save", err)
	}

	s.applyApprovalResponseLocked(resp)
	s.setState(StateLoaded)
	s.log.Info("approval submitted",
		zap.String("approval", resp.ApprovalID),
		zap.Int("created", len(resp.Created)))
	return resp, nil
}

// CancelApproval closes the dialog without submitting.
func (s *Service) CancelApproval() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateApprovalPending {
		s.setState(StateLoaded)
	}
}

// applyApprovalResponseLocked merges the created CSS subprojects' ids and
// tokens into the canonical model and the version snapshots.
func (s *Service) applyApprovalResponseLocked(resp services.ApprovalResponse) {
	for _, created := range resp.Created {
		sp := s.project.FindSubproject(created.SubprojectKey)
		if sp == nil {
			s.log.Warn("approval created unknown subproject",
				zap.String("key", created.SubprojectKey))
			continue
		}
		sp.CSS.CSSSubprojectID = created.CSSSubprojectID
		sp.CSS.UpdDate = created.UpdDate
		s.replaceSnapshotLocked(sp.Key(), *sp)
	}
}
