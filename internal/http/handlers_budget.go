package http

import (
	"net/http"

	"wedplan/internal/core"
	"wedplan/internal/identity"
	"wedplan/internal/ledger"
	"wedplan/internal/log"
)

// sessionBoard resolves the caller's board. RequireSession guarantees the
// session; a missing one is answered with 401.
func (s *Server) sessionBoard(w http.ResponseWriter, r *http.Request) (*ledger.Board, bool) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		errorFromErr(identity.ErrNoSession).Write(w)
		return nil, false
	}
	return s.board(sess), true
}

// fail writes the response for err. Store failures were already logged by
// the ledger; they are repeated here with the request id attached.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error, fields log.LogFields) {
	status := errorStatus(err)
	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.LogError(r.Context(), "Budget request failed", err, op, fields)
	} else {
		logger.DebugContext(r.Context(), "Budget request rejected",
			append(fields.WithError(err).WithOperation(op).ToSlice(), log.FieldStatusCode, status)...)
	}
	errorFromErr(err).Write(w)
}

// handleBoard returns the session's board, fetching the list on first view
// or when refresh=1 is passed.
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	if !board.Loaded() || r.URL.Query().Get("refresh") == "1" {
		if err := board.Refresh(r.Context()); err != nil {
			s.fail(w, r, log.OpList, err, log.NewFields().WithOwner(board.Owner()))
			return
		}
	}
	NewJSONResponse().Body(toBoard(board.View())).Write(w)
}

// handleSummary totals the stored categories, bypassing the board cache.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	sum, err := s.ledger.Summary(r.Context(), board.Owner())
	if err != nil {
		s.fail(w, r, log.OpList, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	NewJSONResponse().Body(toSummary(sum)).Write(w)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	body := parseBody(w, r)
	if body == nil {
		return
	}

	created, err := board.CreateCategory(r.Context(), body.Get("name"))
	if err != nil {
		s.fail(w, r, log.OpCreate, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(map[string]any{
		"category": toRow(ledger.Row{
			Category:   created,
			Remaining:  created.Remaining(),
			SpentRatio: created.SpentRatio(),
			State:      ledger.Viewing{},
		}),
		"board": toBoard(board.View()),
	}).Write(w)
}

func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	id, err := pathCategoryID(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	draft, err := board.BeginEdit(id)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithCategory(board.Owner(), id))
		return
	}
	NewJSONResponse().Body(map[string]any{
		"id":    id,
		"state": "editing",
		"draft": toDraft(draft),
	}).Write(w)
}

// handleUpdateDraft replaces the fields sent and keeps the others. A draft
// allocation that does not parse is rejected and the draft stays as it was.
func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	id, err := pathCategoryID(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	body := parseBody(w, r)
	if body == nil {
		return
	}

	draft, editing := ledger.IsEditing(board.State(id))
	if !editing {
		s.fail(w, r, log.OpUpdate, ledger.ErrNotEditing, log.NewFields().WithCategory(board.Owner(), id))
		return
	}
	if name, sent := body.Lookup("name"); sent {
		draft.Name = name
	}
	if raw, sent := body.Lookup("allocated"); sent {
		allocated, err := parseAllocation(raw)
		if err != nil {
			s.fail(w, r, log.OpUpdate, err, log.NewFields().WithCategory(board.Owner(), id))
			return
		}
		draft.Allocated = allocated
	}
	if err := board.UpdateDraft(id, draft); err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithCategory(board.Owner(), id))
		return
	}
	NewJSONResponse().Body(map[string]any{
		"id":    id,
		"state": "editing",
		"draft": toDraft(draft),
	}).Write(w)
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	id, err := pathCategoryID(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	board.CancelEdit(id)
	NewJSONResponse().Body(toBoard(board.View())).Write(w)
}

// handleSaveEdit persists the draft allocation. The row leaves edit mode and
// the list is re-read whether or not the write succeeded, so an error
// response still reflects a refreshed board on the next view.
func (s *Server) handleSaveEdit(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	id, err := pathCategoryID(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	if err := board.SaveEdit(r.Context(), id); err != nil {
		s.fail(w, r, log.OpUpdate, err, log.NewFields().WithCategory(board.Owner(), id))
		return
	}
	NewJSONResponse().Body(toBoard(board.View())).Write(w)
}

// handleAddLineItem records an amount against a category from the session's
// loaded list.
func (s *Server) handleAddLineItem(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	body := parseBody(w, r)
	if body == nil {
		return
	}

	fields := log.NewFields().WithOwner(board.Owner())
	categoryID, err := parseCategoryRef(body.Get("category_id"))
	if err != nil {
		s.fail(w, r, log.OpRecord, err, fields)
		return
	}
	fields = fields.With(log.FieldCategoryID, categoryID)
	amount, err := parseAmount(body.Get("amount"))
	if err != nil {
		s.fail(w, r, log.OpRecord, err, fields)
		return
	}

	res, err := board.AddLineItem(r.Context(), categoryID, amount)
	if err != nil {
		s.fail(w, r, log.OpRecord, err, fields.WithAmount(amount.Cents))
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(map[string]any{
		"item":  toLineItem(res.Item),
		"board": toBoard(board.View()),
	}).Write(w)
}

func (s *Server) handleLineItems(w http.ResponseWriter, r *http.Request) {
	board, ok := s.sessionBoard(w, r)
	if !ok {
		return
	}
	id, err := pathCategoryID(r)
	if err != nil {
		s.fail(w, r, log.OpList, err, log.NewFields().WithOwner(board.Owner()))
		return
	}
	items, err := s.ledger.LineItems(r.Context(), board.Owner(), id)
	if err != nil {
		s.fail(w, r, log.OpList, err, log.NewFields().WithCategory(board.Owner(), id))
		return
	}
	out := make([]lineItemJSON, 0, len(items))
	var total core.Money
	for _, li := range items {
		out = append(out, toLineItem(li))
		total = total.Add(li.Amount)
	}
	NewJSONResponse().Body(map[string]any{
		"category_id": id,
		"items":       out,
		"total":       toMoney(total),
	}).Write(w)
}
