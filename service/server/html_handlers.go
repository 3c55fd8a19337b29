package server

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/brojonat/tokensend/service/transfer"
)

//go:embed templates/*.html
var templatesFS embed.FS

const flashCookie = "tokensend_flash"

// TemplateRenderer holds parsed HTML templates
type TemplateRenderer struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewTemplateRenderer creates a new template renderer from embedded files
func NewTemplateRenderer(logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateRenderer{
		templates: tmpl,
		logger:    logger,
	}, nil
}

// Render renders a template with the given data
func (tr *TemplateRenderer) Render(w http.ResponseWriter, name string, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tr.templates.ExecuteTemplate(w, name, data)
}

// flash is a one-shot message shown after a form action.
type flash struct {
	Kind    string // "success", "error" or "info"
	Message string
}

func setFlash(w http.ResponseWriter, kind, message string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    url.QueryEscape(kind + "|" + message),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash reads the flash cookie and clears it.
func popFlash(w http.ResponseWriter, r *http.Request) *flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})

	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil
	}
	kind, message, ok := strings.Cut(raw, "|")
	if !ok || message == "" {
		return nil
	}
	return &flash{Kind: kind, Message: message}
}

// indexPage is the data for index.html.
type indexPage struct {
	State   stateResponse
	Flash   *flash
	Payment *PaymentRequest
	// Trusted URLs we built ourselves; html/template would otherwise
	// reject the data: and solana: schemes.
	QRCode  template.URL
	PayLink template.URL
}

// handleIndexPage serves the transfer page.
func handleIndexPage(renderer *TemplateRenderer, svc TransferService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := svc.Config()
		data := indexPage{
			State: stateToResponse(svc.State(), cfg),
			Flash: popFlash(w, r),
		}

		if req, err := generatePaymentRequest(cfg); err != nil {
			renderer.logger.Warn("failed to generate payment request", "error", err)
		} else {
			data.Payment = &req
			data.QRCode = template.URL("data:image/png;base64," + req.QRCodeData)
			data.PayLink = template.URL(req.PaymentURL)
		}

		if err := renderer.Render(w, "index.html", data); err != nil {
			renderer.logger.Error("failed to render template", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleConnectForm connects the wallet.
// POST /connect
func handleConnectForm(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Connect(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "failed to connect wallet", "error", err)
			setFlash(w, "error", err.Error())
		} else {
			setFlash(w, "info", "Wallet connected")
		}
		redirectHome(w, r)
	})
}

// handleDisconnectForm disconnects the wallet.
// POST /disconnect
func handleDisconnectForm(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc.Disconnect()
		logger.DebugContext(r.Context(), "wallet disconnected via page")
		setFlash(w, "info", "Wallet disconnected")
		redirectHome(w, r)
	})
}

// handleSendForm sends the transfer and reports the outcome as a flash.
// POST /send
func handleSendForm(svc TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Send(r.Context())
		switch {
		case err == nil:
			setFlash(w, "success", "Transaction confirmed! Signature: "+result.Signature.String())
		case sendErrorStatus(err) < http.StatusInternalServerError:
			setFlash(w, "error", sendRejectionMessage(err))
		default:
			logger.ErrorContext(r.Context(), "transfer failed", "error", err)
			setFlash(w, "error", "Send failed: "+err.Error())
		}
		redirectHome(w, r)
	})
}

// sendRejectionMessage is the page text for a send that never started.
func sendRejectionMessage(err error) string {
	switch {
	case errors.Is(err, transfer.ErrWalletNotConnected):
		return "Connect a wallet first!"
	case errors.Is(err, transfer.ErrInsufficientFee):
		return "Not enough SOL to pay the fee!"
	case errors.Is(err, transfer.ErrInsufficientFunds):
		return "Insufficient funds to send!"
	default:
		return err.Error()
	}
}
