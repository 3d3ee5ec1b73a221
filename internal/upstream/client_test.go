package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

const (
	testGeneral   = 5 * time.Millisecond
	testRateLimit = 10 * time.Millisecond
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *Backoff) {
	t.Helper()

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	b := NewBackoff(testGeneral, testRateLimit).WithCeiling(200 * time.Millisecond)
	c := NewClient(Options{
		BaseURL: ts.URL,
		SiteURL: ts.URL,
		Timeout: time.Second,
	}, b)
	return c, b
}

func TestValidateCandidate_OK(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validateCandidate/query" {
			t.Fatalf("path = %s, want /validateCandidate/query", r.URL.Path)
		}
		if got := r.URL.Query().Get("identityDocNumber"); got != "123456789012345678" {
			t.Fatalf("identityDocNumber = %q", got)
		}
		if r.Header.Get("User-Agent") == "" || r.Header.Get("Origin") == "" {
			t.Fatalf("browser headers are missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"validInput":true,"candidateId":981,"structureId":"S-16",
			"haveRendezVous":true,"rendezVous":{"id":55,"date":"2026-11-03"}}`))
	}))

	cand, err := c.ValidateCandidate(context.Background(), "16001234", "123456789012345678")
	require.NoError(t, err)

	assert.True(t, cand.ValidInput)
	assert.Equal(t, "981", cand.DemandeurID)
	assert.Equal(t, "S-16", cand.StructureID)
	assert.True(t, cand.HaveRendezVous)
	assert.Equal(t, "55", cand.RendezVousID)
	assert.Equal(t, "2026-11-03", cand.RendezVousDate)
}

func TestValidateCandidate_AllocationTakesPrecedence(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"validInput":false,"haveAllocation":true,"detailsAllocation":{"montant":15000,"debut":"2025-01-01"}}`))
	}))

	cand, err := c.ValidateCandidate(context.Background(), "1", "2")
	require.NoError(t, err)

	assert.True(t, cand.HaveAllocation)
	assert.Equal(t, map[string]string{"montant": "15000", "debut": "2025-01-01"}, cand.AllocationDetails)
}

func TestValidateCandidate_InvalidInputIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, b := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"validInput":false,"controls":[
			{"name":"nin","result":false,"message":"invalid NIN format"},
			{"name":"wassit","result":true,"message":"ok"}]}`))
	}))

	_, err := c.ValidateCandidate(context.Background(), "1", "bad")
	require.Error(t, err)

	assert.True(t, HasReason(err, ReasonInvalidInput))
	assert.Contains(t, err.Error(), "invalid NIN format")
	assert.NotContains(t, err.Error(), "ok")
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, testRateLimit, b.RateLimitDelay())
}

func TestCall_RateLimitedTwiceThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, b := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"eligible":true,"dates":["2026-11-04","2026-11-05"]}`))
	}))

	start := time.Now()
	av, err := c.GetAvailableDates(context.Background(), "S", "P")
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []string{"2026-11-04", "2026-11-05"}, av.Dates)
	assert.GreaterOrEqual(t, time.Since(start), testRateLimit+2*testRateLimit)
	assert.Equal(t, testRateLimit, b.RateLimitDelay())
	assert.Zero(t, b.State().RateLimitStreak)
}

func TestCall_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	c, b := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetAvailableDates(context.Background(), "S", "P")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindRateLimited))
	assert.EqualValues(t, 1+MaxRetries, calls.Load())
	assert.Equal(t, 160*time.Millisecond, b.RateLimitDelay())
	assert.Equal(t, 4, b.State().RateLimitStreak)
}

func TestCall_RateLimitCompoundsAcrossCalls(t *testing.T) {
	var calls atomic.Int32
	c, b := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetAvailableDates(context.Background(), "S", "P1")
	require.Error(t, err)
	_, err = c.GetAvailableDates(context.Background(), "S", "P2")
	require.Error(t, err)

	assert.Equal(t, 200*time.Millisecond, b.RateLimitDelay())
	assert.Equal(t, 8, b.State().RateLimitStreak)
}

func TestCall_ServerErrorsExhausted(t *testing.T) {
	var calls atomic.Int32
	c, b := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.GetPreInscription(context.Background(), "981")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindTransient))
	assert.False(t, IsNetwork(err))
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 80*time.Millisecond, b.GeneralDelay())
}

func TestCall_PermanentClientError(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"access denied"}`))
	}))

	_, err := c.GetAvailableDates(context.Background(), "S", "P")
	require.Error(t, err)

	uerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindPermanent, uerr.Kind)
	assert.Equal(t, "access denied", uerr.Message)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetPreInscription_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetPreInscription(context.Background(), "981")

	assert.True(t, HasReason(err, ReasonNoPreInscription))
}

func TestGetPreInscription_Names(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("Id"); got != "981" {
			t.Fatalf("Id = %q, want 981", got)
		}
		_, _ = w.Write([]byte(`{"id":4411,"nomDemandeurAr":"بن","prenomDemandeurAr":"علي","nomDemandeurFr":"BEN","prenomDemandeurFr":"ALI"}`))
	}))

	pre, err := c.GetPreInscription(context.Background(), "981")
	require.NoError(t, err)

	assert.Equal(t, "4411", pre.ID)
	assert.Equal(t, "بن", pre.LastNameAr)
	assert.Equal(t, "ALI", pre.FirstNameFr)
}

func TestCall_TimeoutIsTransientNetwork(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	c.SetTimeout(20 * time.Millisecond)

	_, err := c.GetAvailableDates(context.Background(), "S", "P")
	require.Error(t, err)

	assert.True(t, IsKind(err, KindTransient))
	assert.True(t, IsNetwork(err))
	assert.EqualValues(t, 4, calls.Load())
}

func TestCall_CanceledDuringBackoff(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	c.Backoff().WithCeiling(MaxBackoff)
	c.Backoff().SetInitial(time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetAvailableDates(ctx, "S", "P")

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBookAppointment(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %q", ct)
		}
		_, _ = w.Write([]byte(`{"code":0,"rendezVousId":777}`))
	}))

	b, err := c.BookAppointment(context.Background(), BookingRequest{Date: "2026-11-04"})
	require.NoError(t, err)

	assert.Equal(t, "777", b.RendezVousID)
	assert.Equal(t, "2026-11-04", b.Date)
}

func TestBookAppointment_Rejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":3,"message":"slot no longer available"}`))
	}))

	_, err := c.BookAppointment(context.Background(), BookingRequest{Date: "2026-11-04"})

	assert.True(t, HasReason(err, ReasonIneligible))
	assert.Contains(t, err.Error(), "slot no longer available")
}

func TestDownloadCertificate(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake document")

	tests := []struct {
		name    string
		kind    model.CertificateKind
		handler http.HandlerFunc
	}{
		{
			name: "raw pdf body",
			kind: model.CertificateHonneur,
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/Reports/HonneurEngagementReport" {
					t.Fatalf("path = %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/pdf")
				_, _ = w.Write(pdf)
			},
		},
		{
			name: "base64 json body",
			kind: model.CertificateRdv,
			handler: func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("RendezVousId"); got != "77" {
					t.Fatalf("RendezVousId = %q", got)
				}
				_, _ = w.Write([]byte(`{"base64Pdf":"` + base64.StdEncoding.EncodeToString(pdf) + `"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)

			doc, err := c.DownloadCertificate(context.Background(), tt.kind, "P", "77")
			require.NoError(t, err)
			assert.Equal(t, pdf, doc)
		})
	}
}

func TestProbeSite(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, c.ProbeSite(context.Background()))

	down := NewClient(Options{SiteURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	err := down.ProbeSite(context.Background())
	assert.True(t, IsKind(err, KindSiteUnreachable))
	assert.True(t, IsNetwork(err))
}
