package push

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"notify_server/core/port/out"
	"notify_server/pkg/crypto"
	"notify_server/pkg/jwks"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

// Rejection reasons, in the order the checks run.
const (
	ReasonMissingToken   = "Missing request token."
	ReasonInvalidToken   = "Invalid request token."
	ReasonMissingAuth    = "Missing authorization header."
	ReasonMalformedAuth  = "Malformed authorization header."
	ReasonExpired        = "Expired JWT signature."
	ReasonBadSignature   = "Invalid JWT signature."
	ReasonUnknownKey     = "Unknown JWT signing key."
	ReasonBadAudience    = "Invalid JWT audience."
	ReasonBadIssuer      = "Invalid JWT issuer."
	ReasonInvalidJWT     = "Invalid JWT."
	ReasonInvalidPayload = "Invalid push payload."
	ReasonMissingMailbox = "Missing mailbox address."
)

// DefaultIssuers are the issuers Google signs push assertions with.
var DefaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// KeySource resolves signing keys by key id. jwks.Cache implements it.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Request is the transport-independent view of one push delivery.
type Request struct {
	Token         string
	Authorization string
	Body          []byte
	RequestID     string
}

// Result is the outcome of HandlePush. Err is set only for internal
// failures after validation succeeded.
type Result struct {
	Accepted  bool
	Duplicate bool
	Reason    string
	Mailbox   string
	Err       error
}

func reject(reason string) Result {
	return Result{Reason: reason}
}

type Config struct {
	Token    string
	Audience string
	Issuers  []string
}

// Intake validates push deliveries and hands accepted ones off for
// detection without waiting for it.
type Intake struct {
	cfg        Config
	keys       KeySource
	dispatcher out.PushDispatcher
	deduper    out.DeliveryDeduper
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewIntake(cfg Config, keys KeySource, dispatcher out.PushDispatcher) *Intake {
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultIssuers
	}
	return &Intake{
		cfg:        cfg,
		keys:       keys,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// SetDeduper drops redeliveries of the same provider message id.
func (in *Intake) SetDeduper(d out.DeliveryDeduper) {
	in.deduper = d
}

func (in *Intake) SetMetrics(m *metrics.Registry) {
	in.metrics = m
}

type envelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type payload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandlePush runs the validation checks in order and stops at the first
// failure. Each failure carries its own reason.
func (in *Intake) HandlePush(ctx context.Context, req *Request) Result {
	defer in.metrics.Since(metrics.OpPushIntake, time.Now())
	ctx = logger.ContextWithRequestID(ctx, req.RequestID)

	res := in.handle(ctx, req)
	switch {
	case res.Err != nil:
		in.metrics.Inc("push_errors")
		logger.WithContext(ctx).WithError(res.Err).Error("[PushIntake] dispatch failed")
	case !res.Accepted:
		in.metrics.Inc("push_rejected")
		logger.WithContext(ctx).WithField("reason", res.Reason).Warn("[PushIntake] push rejected")
	case res.Duplicate:
		in.metrics.Inc("push_duplicates")
	default:
		in.metrics.Inc("push_accepted")
	}
	return res
}

func (in *Intake) handle(ctx context.Context, req *Request) Result {
	if req.Token == "" {
		return reject(ReasonMissingToken)
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(in.cfg.Token)) != 1 {
		return reject(ReasonInvalidToken)
	}

	if strings.TrimSpace(req.Authorization) == "" {
		return reject(ReasonMissingAuth)
	}
	raw, ok := bearer(req.Authorization)
	if !ok {
		return reject(ReasonMalformedAuth)
	}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{}); err != nil {
		return reject(ReasonMalformedAuth)
	}

	if reason := in.verify(ctx, raw); reason != "" {
		return reject(reason)
	}

	var env envelope
	if err := json.Unmarshal(req.Body, &env); err != nil || env.Message.Data == "" {
		return reject(ReasonInvalidPayload)
	}
	data, err := decodeData(env.Message.Data)
	if err != nil {
		return reject(ReasonInvalidPayload)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return reject(ReasonInvalidPayload)
	}
	mailbox := crypto.Normalize(p.EmailAddress)
	if mailbox == "" {
		return reject(ReasonMissingMailbox)
	}

	if in.deduper != nil && env.Message.MessageID != "" {
		first, err := in.deduper.FirstDelivery(ctx, env.Message.MessageID)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[PushIntake] dedup unavailable, accepting")
		} else if !first {
			return Result{Accepted: true, Duplicate: true, Mailbox: mailbox}
		}
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	job := &out.PushJob{
		Mailbox:    mailbox,
		HistoryID:  p.HistoryID,
		DeliveryID: env.Message.MessageID,
		ReceivedAt: in.now(),
		RequestID:  requestID,
	}
	if err := in.dispatcher.Dispatch(ctx, job); err != nil {
		// The provider retries on 500; the retry must not read as a duplicate.
		if in.deduper != nil && job.DeliveryID != "" {
			if ferr := in.deduper.Forget(context.WithoutCancel(ctx), job.DeliveryID); ferr != nil {
				logger.WithContext(ctx).WithError(ferr).Warn("[PushIntake] could not release delivery id")
			}
		}
		return Result{Mailbox: mailbox, Err: err}
	}
	return Result{Accepted: true, Mailbox: mailbox}
}

// verify checks the bearer assertion and returns a rejection reason, or ""
// when it is valid.
func (in *Intake) verify(ctx context.Context, raw string) string {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(in.now),
	}
	if in.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(in.cfg.Audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, jwks.ErrKeyNotFound
		}
		return in.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrKeyNotFound):
			return ReasonUnknownKey
		case errors.Is(err, jwt.ErrTokenExpired):
			return ReasonExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return ReasonBadSignature
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return ReasonBadAudience
		default:
			logger.WithContext(ctx).WithError(err).Debug("[PushIntake] assertion rejected")
			return ReasonInvalidJWT
		}
	}
	if !slices.Contains(in.cfg.Issuers, claims.Issuer) {
		return ReasonBadIssuer
	}
	return ""
}

func bearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func decodeData(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
