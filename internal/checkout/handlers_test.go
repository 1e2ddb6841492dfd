package checkout_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/checkout"
)

func TestCheckoutRejectsMalformedBody(t *testing.T) {
	h := &checkout.Handler{Svc: &checkout.Service{}, Validate: validator.New()}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "BAD_REQUEST")
}

func TestCheckoutValidatesTerms(t *testing.T) {
	h := &checkout.Handler{Svc: &checkout.Service{}, Validate: validator.New()}

	body := `{"customerName":"A","phone":"","productId":"not-a-uuid","depositAmount":0,"monthlyAmount":-5,"installments":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
}

func TestCheckoutRejectsUnknownPaymentMethod(t *testing.T) {
	h := &checkout.Handler{Svc: &checkout.Service{}, Validate: validator.New()}

	body := `{"customerName":"Wanjiku Kamau","phone":"0712345678","productId":"9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d","paymentMethod":"card"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
}
