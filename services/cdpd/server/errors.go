package server

import (
	"errors"
	"net/http"

	"stablemint/native/cdp"
	nativecommon "stablemint/native/common"
	"stablemint/native/token"
	"stablemint/services/cdpd/oracle"
)

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine, ledger and oracle failures onto HTTP statuses.
// Solvency rejections carry the offending health factor so clients can size a
// retry without another round trip.
func writeEngineError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}

	var hfErr *cdp.HealthFactorError
	if errors.As(err, &hfErr) {
		body["health_factor"] = hfErr.HealthFactor.String()
	}

	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cdp.ErrInvalidAmount),
		errors.Is(err, cdp.ErrUnsupportedAsset),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrUnknownFeed):
		return http.StatusNotFound
	case errors.Is(err, cdp.ErrHealthFactorOk),
		errors.Is(err, cdp.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, cdp.ErrHealthFactorBroken),
		errors.Is(err, cdp.ErrHealthFactorNotImproved),
		errors.Is(err, cdp.ErrInsufficientCollateral),
		errors.Is(err, cdp.ErrInsufficientDebt),
		errors.Is(err, cdp.ErrTransferFailed),
		errors.Is(err, cdp.ErrMintFailed),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cdp.ErrInvalidOraclePrice):
		return http.StatusBadGateway
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isHealthRejection(err error) bool {
	return errors.Is(err, cdp.ErrHealthFactorBroken) ||
		errors.Is(err, cdp.ErrHealthFactorNotImproved) ||
		errors.Is(err, cdp.ErrHealthFactorOk)
}
