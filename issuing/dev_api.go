package issuing

import (
	"net/http"

	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// DevAPI lets a developer drive the simulated network: card authorizations and
// 3DS challenges that a live network would originate. It is mounted only in
// simulated mode.
type DevAPI struct {
	svc *Service
	sim *issuerapi.Simulator
}

func NewDevAPI(svc *Service, sim *issuerapi.Simulator) *DevAPI {
	return &DevAPI{svc: svc, sim: sim}
}

func (d *DevAPI) AppendRoutes(r chi.Router) {
	r.Route("/dev", func(r chi.Router) {
		r.Get("/merchant-balance", d.merchantBalance)
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/cards/{cardID}/authorize", d.authorize)
			r.Post("/cards/{cardID}/3ds", d.challenge)
		})
	})
}

type authorizeInput struct {
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	MerchantName string          `json:"merchant_name"`
}

func (d *DevAPI) authorize(w http.ResponseWriter, r *http.Request) {
	var in authorizeInput
	if !decode(w, r, &in) {
		return
	}
	card, err := d.svc.issuedCard(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := d.sim.SimulateAuthorization(r.Context(), issuerapi.AuthorizationRequest{
		CardNo:       card.ExternalCardNo,
		Type:         in.Type,
		Amount:       in.Amount,
		MerchantName: in.MerchantName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

type challengeInput struct {
	OTP *bool `json:"otp"`
}

func (d *DevAPI) challenge(w http.ResponseWriter, r *http.Request) {
	var in challengeInput
	if !decode(w, r, &in) {
		return
	}
	card, err := d.svc.issuedCard(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	otp := in.OTP == nil || *in.OTP
	if _, err := d.sim.SimulateChallenge(r.Context(), card.ExternalCardNo, otp); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d *DevAPI) merchantBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": d.sim.MerchantBalance()})
}
