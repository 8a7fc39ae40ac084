package controller

import (
	"net/http"

	"github.com/renderhub/dispatch/internal/ledger"
)

// Credits handles GET /credits: the caller's current balances and a page
// of recent ledger entries.
func (c *Controller) Credits(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	ctx := r.Context()

	bal, err := c.ledger.Balances(ctx, user.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := c.ledger.ListEntries(ctx, user.ID, 100)
	if err != nil {
		writeErr(w, err)
		return
	}

	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, ledgerEntryDTO(e))
	}

	writeJSON(w, http.StatusOK, CreditsResponse{
		PostedUSD:    bal.PostedUSD,
		ReservedUSD:  bal.ReservedUSD,
		AvailableUSD: bal.AvailableUSD,
		Entries:      dtos,
	})
}

func ledgerEntryDTO(e ledger.Entry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:        e.ID,
		Type:      string(e.EntryType),
		Status:    string(e.Status),
		AmountUSD: e.AmountUSD,
		CreatedAt: e.CreatedAt.Format(timeRFC3339),
	}
	if e.JobID != nil {
		dto.JobID = *e.JobID
	}
	return dto
}
