package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
	"github.com/BTreeMap/IndicatorPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without an inline reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// twilioWebhookHandler handles POST /v1/twilio/webhook. The reply is
// delivered through the outbox, or sent directly when none is configured.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.Validator != nil && !s.validSignature(r) {
		slog.Warn("Server.twilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := r.PostFormValue("From")
	body := strings.TrimSpace(r.PostFormValue("Body"))
	sid := r.PostFormValue("MessageSid")
	if from == "" || body == "" {
		slog.Warn("Server.twilioWebhookHandler: missing fields", "from", from, "sid", sid)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	userID := twiliowhatsapp.UserID(from)

	req := models.TurnRequest{UserID: userID, Input: body}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid message", "userID", userID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.opts.Dedup != nil && sid != "" {
		fresh, err := s.opts.Dedup.RecordInbound(sid, userID)
		if err != nil {
			slog.Error("Server.twilioWebhookHandler: dedup check failed", "sid", sid, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			slog.Info("Server.twilioWebhookHandler: duplicate delivery ignored", "sid", sid, "userID", userID)
			writeTwiML(w)
			return
		}
	}

	res, err := s.runTurn(r.Context(), req)
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: turn failed", "userID", userID, "error", err)
		s.releaseInbound(sid)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	reply := res.HumanReply
	if reply == "" {
		reply = res.Reply
	}
	if err := s.deliver(r.Context(), userID, from, sid, reply); err != nil {
		slog.Error("Server.twilioWebhookHandler: reply delivery failed", "userID", userID, "sid", sid, "error", err)
	}

	if s.opts.Dedup != nil && sid != "" {
		if err := s.opts.Dedup.MarkProcessed(sid); err != nil {
			slog.Warn("Server.twilioWebhookHandler: failed to mark processed", "sid", sid, "error", err)
		}
	}
	writeTwiML(w)
}

// releaseInbound lets Twilio's redelivery of sid run the turn again.
func (s *Server) releaseInbound(sid string) {
	if s.opts.Dedup == nil || sid == "" {
		return
	}
	if err := s.opts.Dedup.ReleaseInbound(sid); err != nil {
		slog.Error("Server.releaseInbound: failed to release delivery", "sid", sid, "error", err)
	}
}

func (s *Server) deliver(ctx context.Context, userID, to, sid, body string) error {
	if s.opts.Outbox != nil {
		payload, err := store.ReplyPayload{To: to, Body: body}.Encode()
		if err != nil {
			return err
		}
		dedupeKey := ""
		if sid != "" {
			dedupeKey = "reply:" + sid
		}
		id, err := s.opts.Outbox.EnqueueOutboxMessage(userID, store.OutboxKindReply, payload, dedupeKey)
		if err != nil {
			return err
		}
		slog.Debug("Server.deliver: reply queued", "userID", userID, "outboxID", id)
		return nil
	}
	if s.opts.Sender != nil {
		return s.opts.Sender.SendMessage(ctx, to, body)
	}
	slog.Warn("Server.deliver: no reply channel configured, dropping reply", "userID", userID)
	return nil
}

func (s *Server) validSignature(r *http.Request) bool {
	base := strings.TrimRight(s.opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.opts.Validator.ValidateSignature(base+r.URL.RequestURI(), params, r.Header.Get(TwilioSignatureHeader))
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}
