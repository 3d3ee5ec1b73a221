// Package upstream предоставляет клиент внешнего сервиса записи на приём и выдачи справок.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

const (
	maxJSONBody     = 1 << 20
	maxDocumentBody = 32 << 20

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"
)

// Observer получает сведения о запросах для метрик.
type Observer interface {
	ObserveRequest(op, outcome string, elapsed time.Duration)
	ObserveBackoff(kind string, delay time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveBackoff(string, time.Duration)         {}

// Options задаёт параметры клиента.
type Options struct {
	BaseURL           string
	SiteURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Observer          Observer
}

// Client инкапсулирует HTTP-взаимодействие с сервисом. Все вызовы проходят через
// общий Backoff и ограничитель частоты.
type Client struct {
	baseURL    string
	siteURL    string
	userAgent  string
	httpClient *http.Client
	backoff    *Backoff
	limiter    *rate.Limiter
	observer   Observer
	timeout    atomic.Int64
}

// NewClient создаёт клиент. Backoff передаётся снаружи, чтобы его состояние
// переживало пересоздание клиента.
func NewClient(opts Options, backoff *Backoff) *Client {
	if backoff == nil {
		backoff = NewBackoff(5*time.Second, 60*time.Second)
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	c := &Client{
		baseURL:    normalizeBase(opts.BaseURL),
		siteURL:    normalizeBase(opts.SiteURL),
		userAgent:  userAgent,
		httpClient: cleanhttp.DefaultPooledClient(),
		backoff:    backoff,
		limiter:    rate.NewLimiter(limit, 1),
		observer:   observer,
	}
	c.SetTimeout(opts.Timeout)
	return c
}

// Backoff возвращает общее состояние задержек.
func (c *Client) Backoff() *Backoff {
	return c.backoff
}

// SetTimeout меняет таймаут для последующих запросов.
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	c.timeout.Store(int64(d))
}

// Timeout возвращает текущий таймаут запроса.
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetRequestsPerSecond меняет ограничение частоты запросов.
func (c *Client) SetRequestsPerSecond(rps float64) {
	if rps <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(rps))
}

// Candidate описывает результат проверки участника.
type Candidate struct {
	ValidInput        bool
	DemandeurID       string
	StructureID       string
	HaveAllocation    bool
	AllocationDetails map[string]string
	HaveRendezVous    bool
	RendezVousID      string
	RendezVousDate    string
	Message           string
}

// PreInscription описывает предварительную регистрацию и имена участника.
type PreInscription struct {
	ID          string
	FirstNameAr string
	LastNameAr  string
	FirstNameFr string
	LastNameFr  string
}

// Availability описывает доступные для записи даты.
type Availability struct {
	Eligible bool
	Dates    []string
	Message  string
}

// BookingRequest содержит данные для создания записи.
type BookingRequest struct {
	CCP              string `json:"ccp"`
	LastName         string `json:"nomCcp"`
	FirstName        string `json:"prenomCcp"`
	Date             string `json:"rendezVousDate"`
	DemandeurID      string `json:"demandeurId"`
	PreInscriptionID string `json:"preInscriptionId"`
	StructureID      string `json:"structureId"`
	Phone            string `json:"telephone"`
}

// Booking описывает созданную запись.
type Booking struct {
	RendezVousID string
	Date         string
}

// ValidateCandidate проверяет участника по номеру посредника и NIN.
func (c *Client) ValidateCandidate(ctx context.Context, wassitNo, nin string) (*Candidate, error) {
	const op = "validate candidate"

	q := url.Values{}
	q.Set("wassitNumber", wassitNo)
	q.Set("identityDocNumber", nin)

	var cand Candidate
	err := c.call(ctx, op, c.getJSON("/validateCandidate/query", q), func(body []byte) error {
		res := gjson.ParseBytes(body)

		cand.HaveAllocation = res.Get("haveAllocation").Bool()
		cand.AllocationDetails = flatten(res.Get("detailsAllocation"))
		if cand.HaveAllocation {
			cand.ValidInput = true
			return nil
		}

		valid := res.Get("validInput")
		if valid.Exists() && !valid.Bool() {
			return &Error{Op: op, Kind: KindPermanent, Reason: ReasonInvalidInput, Message: controlsMessage(res)}
		}

		cand.ValidInput = true
		cand.DemandeurID = res.Get("candidateId").String()
		cand.StructureID = res.Get("structureId").String()
		cand.HaveRendezVous = res.Get("haveRendezVous").Bool()
		cand.RendezVousID = res.Get("rendezVous.id").String()
		cand.RendezVousDate = res.Get("rendezVous.date").String()
		cand.Message = res.Get("message").String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cand, nil
}

// GetPreInscription возвращает предварительную регистрацию участника.
func (c *Client) GetPreInscription(ctx context.Context, demandeurID string) (*PreInscription, error) {
	const op = "get pre-inscription"

	q := url.Values{}
	q.Set("Id", demandeurID)

	var pre PreInscription
	err := c.call(ctx, op, c.getJSON("/PreInscription/GetPreInscription", q), func(body []byte) error {
		res := gjson.ParseBytes(body)
		pre.ID = res.Get("id").String()
		if pre.ID == "" || pre.ID == "0" {
			return &Error{Op: op, Kind: KindPermanent, Reason: ReasonNoPreInscription, Message: "no pre-inscription found"}
		}
		pre.FirstNameAr = res.Get("prenomDemandeurAr").String()
		pre.LastNameAr = res.Get("nomDemandeurAr").String()
		pre.FirstNameFr = res.Get("prenomDemandeurFr").String()
		pre.LastNameFr = res.Get("nomDemandeurFr").String()
		return nil
	})
	if err != nil {
		if uerr, ok := AsError(err); ok && uerr.StatusCode == http.StatusNotFound {
			uerr.Reason = ReasonNoPreInscription
		}
		return nil, err
	}
	return &pre, nil
}

// GetAvailableDates запрашивает свободные даты для записи.
func (c *Client) GetAvailableDates(ctx context.Context, structureID, preInscriptionID string) (*Availability, error) {
	const op = "get available dates"

	q := url.Values{}
	q.Set("StructureId", structureID)
	q.Set("PreInscriptionId", preInscriptionID)

	var av Availability
	err := c.call(ctx, op, c.getJSON("/RendezVous/GetAvailableDates", q), func(body []byte) error {
		res := gjson.ParseBytes(body)
		av.Eligible = true
		if e := res.Get("eligible"); e.Exists() {
			av.Eligible = e.Bool()
		}
		for _, d := range res.Get("dates").Array() {
			if s := d.String(); s != "" {
				av.Dates = append(av.Dates, s)
			}
		}
		av.Message = res.Get("message").String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &av, nil
}

// BookAppointment создаёт запись на указанную дату.
func (c *Client) BookAppointment(ctx context.Context, req BookingRequest) (*Booking, error) {
	const op = "book appointment"

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal booking request: %w", err)
	}

	build := func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/RendezVous/Create", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}

	var booking Booking
	err = c.call(ctx, op, build, func(body []byte) error {
		res := gjson.ParseBytes(body)
		if code := res.Get("code"); code.Exists() && code.Int() != 0 {
			return &Error{Op: op, Kind: KindPermanent, Reason: ReasonIneligible, Message: messageOf(res, "booking rejected")}
		}
		booking.RendezVousID = res.Get("rendezVousId").String()
		if booking.RendezVousID == "" || booking.RendezVousID == "0" {
			return &Error{Op: op, Kind: KindPermanent, Reason: ReasonIneligible, Message: messageOf(res, "booking returned no appointment id")}
		}
		booking.Date = res.Get("rendezVousDate").String()
		if booking.Date == "" {
			booking.Date = req.Date
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// DownloadCertificate загружает документ указанного вида. Содержимое не разбирается.
func (c *Client) DownloadCertificate(ctx context.Context, kind model.CertificateKind, preInscriptionID, rdvID string) ([]byte, error) {
	op := "download " + string(kind)

	q := url.Values{}
	q.Set("PreInscriptionId", preInscriptionID)
	if kind == model.CertificateRdv {
		q.Set("RendezVousId", rdvID)
	}

	build := func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Reports/"+string(kind)+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "application/pdf, application/json")
		return r, nil
	}

	var doc []byte
	err := c.callLimit(ctx, op, build, maxDocumentBody, func(body []byte) error {
		if bytes.HasPrefix(body, []byte("%PDF")) {
			doc = body
			return nil
		}
		encoded := gjson.GetBytes(body, "base64Pdf").String()
		if encoded == "" {
			return &Error{Op: op, Kind: KindPermanent, Message: "response contains no document"}
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return &Error{Op: op, Kind: KindPermanent, Message: "malformed document encoding", Err: err}
		}
		doc = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ProbeSite проверяет общую доступность сайта одним запросом без повторов.
func (c *Client) ProbeSite(ctx context.Context) error {
	const op = "probe site"

	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.siteURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.observer.ObserveRequest(op, KindSiteUnreachable.String(), time.Since(start))
		return &Error{Op: op, Kind: KindSiteUnreachable, Network: true, Message: "site unreachable", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJSONBody))

	if resp.StatusCode >= http.StatusInternalServerError {
		c.observer.ObserveRequest(op, KindSiteUnreachable.String(), time.Since(start))
		return &Error{Op: op, Kind: KindSiteUnreachable, StatusCode: resp.StatusCode, Message: "site unavailable"}
	}
	c.observer.ObserveRequest(op, "ok", time.Since(start))
	return nil
}

type requestBuilder func(ctx context.Context) (*http.Request, error)

func (c *Client) getJSON(path string, q url.Values) requestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	}
}

func (c *Client) call(ctx context.Context, op string, build requestBuilder, handle func([]byte) error) error {
	return c.callLimit(ctx, op, build, maxJSONBody, handle)
}

// callLimit выполняет запрос с повторами: 429 и временные ошибки повторяются
// не более MaxRetries раз с задержкой из общего Backoff, постоянные возвращаются сразу.
func (c *Client) callLimit(ctx context.Context, op string, build requestBuilder, limit int64, handle func([]byte) error) error {
	var (
		pending time.Duration
		retries int
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if retries >= MaxRetries {
			return 0, true
		}
		retries++
		return pending, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.attempt(ctx, op, build, limit, handle)
		if err == nil {
			return nil
		}
		uerr, ok := AsError(err)
		if !ok || !uerr.retryable() {
			return err
		}
		if retries < MaxRetries {
			pending = c.backoff.Failure(uerr.Kind, uerr.RetryAfter)
			c.observer.ObserveBackoff(uerr.Kind.String(), pending)
		} else {
			c.backoff.Failure(uerr.Kind, 0)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return err
	}

	c.backoff.Success()
	return nil
}

func (c *Client) attempt(ctx context.Context, op string, build requestBuilder, limit int64, handle func([]byte) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	req, err := build(reqCtx)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	outcome := "ok"
	defer func() {
		c.observer.ObserveRequest(op, outcome, time.Since(start))
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			outcome = "canceled"
			return ctx.Err()
		}
		outcome = KindTransient.String()
		return &Error{Op: op, Kind: KindTransient, Network: true, Message: networkMessage(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctx.Err() != nil {
			outcome = "canceled"
			return ctx.Err()
		}
		outcome = KindTransient.String()
		return &Error{Op: op, Kind: KindTransient, Network: true, StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		outcome = KindRateLimited.String()
		return &Error{
			Op:         op,
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			Message:    "too many requests",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		outcome = KindTransient.String()
		return &Error{Op: op, Kind: KindTransient, StatusCode: resp.StatusCode, Message: messageOf(gjson.ParseBytes(body), http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= http.StatusBadRequest:
		outcome = KindPermanent.String()
		perr := &Error{Op: op, Kind: KindPermanent, StatusCode: resp.StatusCode, Message: bodyMessage(body, resp.StatusCode)}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			perr.Reason = ReasonInvalidInput
		}
		return perr
	}

	if err := handle(body); err != nil {
		var uerr *Error
		if errors.As(err, &uerr) {
			outcome = uerr.Kind.String()
		} else {
			outcome = "error"
		}
		return err
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}
	req.Header.Set("Accept-Language", "ar-DZ,ar;q=0.9,fr-FR;q=0.8,fr;q=0.7,en-US;q=0.6,en;q=0.5")
	req.Header.Set("Origin", "https://minha.anem.dz")
	req.Header.Set("Referer", "https://minha.anem.dz/")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
}

func normalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func networkMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "network error"
}

// controlsMessage собирает сообщения непройденных проверок.
func controlsMessage(res gjson.Result) string {
	var msgs []string
	for _, m := range res.Get("controls.#(result==false)#.message").Array() {
		if s := strings.TrimSpace(m.String()); s != "" {
			msgs = append(msgs, s)
		}
	}
	if len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	return messageOf(res, "invalid input data")
}

func messageOf(res gjson.Result, fallback string) string {
	for _, path := range []string{"message", "Message", "errorMessage", "title"} {
		if s := strings.TrimSpace(res.Get(path).String()); s != "" {
			return s
		}
	}
	return fallback
}

func bodyMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		return messageOf(gjson.ParseBytes(body), http.StatusText(status))
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return model.Truncate(s, 200)
	}
	return http.StatusText(status)
}

func flatten(res gjson.Result) map[string]string {
	if !res.IsObject() {
		return nil
	}
	out := make(map[string]string)
	res.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
