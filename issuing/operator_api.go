package issuing

import (
	"net/http"

	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/go-chi/chi/v5"
)

// OperatorAPI is the back-office surface: KYC review and the webhook audit log.
// It carries no user header; access control belongs to the gateway in front.
type OperatorAPI struct {
	svc *Service
}

func NewOperatorAPI(svc *Service) *OperatorAPI {
	return &OperatorAPI{svc: svc}
}

func (o *OperatorAPI) AppendRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Route("/kyc", func(r chi.Router) {
			r.Get("/", o.listKYC)
			r.Route("/{holderID}", func(r chi.Router) {
				r.Get("/", o.getKYC)
				r.Post("/approve", o.approve)
				r.Post("/reject", o.reject)
			})
		})
		r.Get("/users/{userID}/kyc", o.userKYC)
		r.Get("/webhook-events", o.webhookEvents)
		r.Get("/webhook-events/{eventID}", o.webhookEvent)
	})
}

type holderPage struct {
	Records []*models.Holder `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func (o *OperatorAPI) listKYC(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	if limit == 0 {
		limit = ledger.DefaultListLimit
	}

	status := models.HolderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.HolderPending, models.HolderSubmitted, models.HolderApproved, models.HolderRejected:
	default:
		writeError(w, invalid("status", "must be pending, submitted, approved or rejected"))
		return
	}

	records, total, err := o.svc.ListKYC(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holderPage{Records: records, Total: total, Limit: limit, Offset: offset})
}

func (o *OperatorAPI) getKYC(w http.ResponseWriter, r *http.Request) {
	h, err := o.svc.KYCRecord(r.Context(), chi.URLParam(r, "holderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (o *OperatorAPI) approve(w http.ResponseWriter, r *http.Request) {
	h, err := o.svc.ReviewKYC(r.Context(), chi.URLParam(r, "holderID"), true, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type rejectInput struct {
	Reason string `json:"reason"`
}

func (o *OperatorAPI) reject(w http.ResponseWriter, r *http.Request) {
	var in rejectInput
	if !decode(w, r, &in) {
		return
	}
	h, err := o.svc.ReviewKYC(r.Context(), chi.URLParam(r, "holderID"), false, in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (o *OperatorAPI) userKYC(w http.ResponseWriter, r *http.Request) {
	h, err := o.svc.KYC(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (o *OperatorAPI) webhookEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := o.svc.WebhookEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (o *OperatorAPI) webhookEvent(w http.ResponseWriter, r *http.Request) {
	e, err := o.svc.WebhookEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
