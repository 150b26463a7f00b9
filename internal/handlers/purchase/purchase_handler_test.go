package purchase

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/pkg/response"
)

func errorBody(t *testing.T, err error) (int, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	status, message, safe := mapPurchaseError(err)
	response.Error(c, status, message, safe)
	return w.Code, w.Body.String()
}

func TestErrorResponsesHideVerifierInternals(t *testing.T) {
	cause := fmt.Errorf("%w: %v", xerrors.ErrVerificationInfra,
		errors.New(`failed to fetch transaction: Post "http://10.0.0.5:8545": dial tcp 10.0.0.5:8545: connect: connection refused`))

	code, body := errorBody(t, cause)
	if code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", code)
	}
	for _, leak := range []string{"10.0.0.5", "8545", "dial tcp", "connection refused", "failed to fetch"} {
		if strings.Contains(body, leak) {
			t.Fatalf("response leaks %q: %s", leak, body)
		}
	}
	if !strings.Contains(body, "payment verification unavailable") {
		t.Fatalf("response missing the safe summary: %s", body)
	}
}

func TestErrorResponsesCarryOnlySentinelText(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		leak       string
	}{
		{"timeout", fmt.Errorf("%w", xerrors.ErrVerificationTimeout), http.StatusPaymentRequired, ""},
		{"fulfillment", fmt.Errorf("%w: provider code 099 at https://topup.internal/api/pay", xerrors.ErrFulfillment), http.StatusBadGateway, "topup.internal"},
		{"duplicate", fmt.Errorf("%w: ref 5sig111", xerrors.ErrDuplicateTransaction), http.StatusConflict, "5sig111"},
		{"unknown", errors.New("pq: SSL connection failed"), http.StatusInternalServerError, "SSL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := errorBody(t, tc.err)
			if code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", code, tc.wantStatus)
			}
			if tc.leak != "" && strings.Contains(body, tc.leak) {
				t.Fatalf("response leaks %q: %s", tc.leak, body)
			}
		})
	}
}

func TestInvalidInputDetailIsEchoed(t *testing.T) {
	// Validation failures are built from the caller's own input and stay
	// actionable in the envelope.
	_, body := errorBody(t, fmt.Errorf("%w: phone_number is required for airtime", xerrors.ErrInvalidInput))
	if !strings.Contains(body, "phone_number is required") {
		t.Fatalf("validation detail dropped from response: %s", body)
	}
}
