package issuing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// HeaderUserID carries the authenticated user, set by the session layer in front
// of the service.
const HeaderUserID = "X-User-ID"

// API is the HTTP API of the issuing service.
type API struct {
	svc *Service
}

func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/kyc", func(r chi.Router) {
			r.Get("/", a.getKYC)
			r.Post("/", a.submitKYC)
			r.Post("/refresh", a.refreshKYC)
		})

		r.Route("/cards", func(r chi.Router) {
			r.Get("/", a.listCards)
			r.Post("/", a.issueCard)
			r.Route("/{cardID}", func(r chi.Router) {
				r.Get("/", a.getCard)
				r.Get("/balance", a.refreshBalance)
				r.Post("/freeze", a.freeze)
				r.Post("/unfreeze", a.unfreeze)
				r.Post("/recharge", a.recharge)
				r.Get("/sensitive", a.sensitiveInfo)
				r.Get("/transactions", a.cardTransactions)
				r.Get("/sync", a.syncTransactions)
				r.Get("/3ds", a.latestChallenge)
				r.Post("/withdrawals", a.requestWithdrawal)
			})
		})

		r.Get("/transactions", a.listTransactions)
		r.Get("/withdrawals", a.listWithdrawals)
		r.Get("/dashboard", a.dashboard)
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Post("/deposit-address", a.walletDepositAddress)
		r.Get("/transactions", a.walletTransactions)
	})
	r.Get("/merchant/accounts", a.merchantAccounts)
	r.Get("/card-types", a.cardTypes)
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserID) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: HeaderUserID + " header is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(HeaderUserID)
}

type errorResponse struct {
	Error         string `json:"error"`
	IssuerCode    *int   `json:"issuer_code,omitempty"`
	IssuerMessage string `json:"issuer_message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Issuer failures keep the
// remote code and message.
func writeError(w http.ResponseWriter, err error) {
	var (
		apiErr *issuerapi.APIError
		valErr *ValidationError
	)
	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrKYCRequired), errors.Is(err, ErrInsufficientBalance):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.As(err, &apiErr):
		code := apiErr.Code
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:         err.Error(),
			IssuerCode:    &code,
			IssuerMessage: apiErr.Message,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, invalid(key, "must be a non-negative integer")
	}
	return n, nil
}

func (a *API) getKYC(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.KYC(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) submitKYC(w http.ResponseWriter, r *http.Request) {
	var id models.Identity
	if !decode(w, r, &id) {
		return
	}
	h, err := a.svc.SubmitKYC(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) refreshKYC(w http.ResponseWriter, r *http.Request) {
	h, err := a.svc.RefreshKYC(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	cards, err := a.svc.ListCards(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (a *API) issueCard(w http.ResponseWriter, r *http.Request) {
	var in IssueCardInput
	if !decode(w, r, &in) {
		return
	}
	card, err := a.svc.IssueCard(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if card.Status == models.CardPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, card)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.svc.GetCard(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type balanceResponse struct {
	*models.Card
	// Stale is set when the issuer could not be reached and the local figure is shown.
	Stale bool   `json:"stale"`
	Error string `json:"error,omitempty"`
}

func (a *API) refreshBalance(w http.ResponseWriter, r *http.Request) {
	card, err := a.svc.RefreshBalance(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	var apiErr *issuerapi.APIError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, balanceResponse{Card: card})
	case card != nil && errors.As(err, &apiErr):
		writeJSON(w, http.StatusOK, balanceResponse{Card: card, Stale: true, Error: err.Error()})
	default:
		writeError(w, err)
	}
}

func (a *API) freeze(w http.ResponseWriter, r *http.Request) {
	card, err := a.svc.Freeze(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) unfreeze(w http.ResponseWriter, r *http.Request) {
	card, err := a.svc.Unfreeze(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) recharge(w http.ResponseWriter, r *http.Request) {
	var in RechargeInput
	if !decode(w, r, &in) {
		return
	}
	tx, err := a.svc.Recharge(r.Context(), userID(r), chi.URLParam(r, "cardID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) sensitiveInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.SensitiveInfo(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

type transactionPage struct {
	Records []*models.Transaction `json:"records"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (a *API) cardTransactions(w http.ResponseWriter, r *http.Request) {
	a.writeTransactions(w, r, chi.URLParam(r, "cardID"))
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	a.writeTransactions(w, r, r.URL.Query().Get("card_id"))
}

func (a *API) writeTransactions(w http.ResponseWriter, r *http.Request, cardID string) {
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

	records, total, err := a.svc.ListTransactions(r.Context(), userID(r), cardID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactionPage{Records: records, Total: total, Limit: limit, Offset: offset})
}

func (a *API) syncTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := a.svc.SyncTransactions(r.Context(), userID(r), chi.URLParam(r, "cardID"), page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) latestChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.LatestChallenge(r.Context(), userID(r), chi.URLParam(r, "cardID"))
	if errors.Is(err, ledger.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type withdrawalInput struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *API) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in withdrawalInput
	if !decode(w, r, &in) {
		return
	}
	wd, err := a.svc.RequestWithdrawal(r.Context(), userID(r), chi.URLParam(r, "cardID"), in.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, wd)
}

func (a *API) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListWithdrawals(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Dashboard(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type walletDepositInput struct {
	Amount decimal.Decimal `json:"amount"`
	Chain  string          `json:"chain"`
}

func (a *API) walletDepositAddress(w http.ResponseWriter, r *http.Request) {
	var in walletDepositInput
	if !decode(w, r, &in) {
		return
	}
	dep, err := a.svc.WalletDepositAddress(r.Context(), in.Amount, in.Chain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (a *API) walletTransactions(w http.ResponseWriter, r *http.Request) {
	q := issuerapi.WalletTransactionsQuery{Type: r.URL.Query().Get("type")}
	var err error
	for key, dst := range map[string]*int{"page": &q.Page, "page_size": &q.PageSize} {
		if *dst, err = queryInt(r, key); err != nil {
			writeError(w, err)
			return
		}
	}
	page, err := a.svc.WalletTransactions(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) merchantAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.MerchantAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) cardTypes(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.CardTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
