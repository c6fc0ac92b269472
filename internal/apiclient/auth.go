package apiclient

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         models.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login exchanges credentials for a session and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (models.User, models.Session, error) {
	var out loginResponse
	if err := c.PostJSON(ctx, loginPath, loginRequest{Email: email, Password: password}, &out); err != nil {
		return models.User{}, models.Session{}, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.User.ID == "" {
		return models.User{}, models.Session{}, apierror.New(apierror.KindServer, "login response missing credentials", nil)
	}

	session := models.Session{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, UserID: out.User.ID}
	if err := c.tokens.SaveSession(ctx, session); err != nil {
		logging.FromContext(ctx).Error("persist session after login", "userId", session.UserID, "error", err)
	}
	return out.User, session, nil
}

// Refresh obtains a new access token after stale was rejected. Concurrent callers share
// one network call; a caller whose stale token has already been replaced gets the
// current token without any call. The refresh runs on a context detached from the
// caller, so abandoning ctx only stops this caller's wait.
func (c *Client) Refresh(ctx context.Context, stale string) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		return c.refreshTokens(detached, stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apierror.FromTransport(ctx.Err())
	}
}

func (c *Client) refreshTokens(ctx context.Context, stale string) (string, error) {
	ctx, span := logging.StartSpan(ctx, "token refresh")
	logger := span.Logger()

	session, err := c.tokens.Session(ctx)
	if err != nil || session.RefreshToken == "" {
		authErr := apierror.New(apierror.KindUnauthenticated, "no refresh token", err)
		span.End(authErr)
		return "", authErr
	}
	if stale != "" && session.AccessToken != stale {
		span.End(nil)
		return session.AccessToken, nil
	}

	payload, err := encodeBody(refreshRequest{RefreshToken: session.RefreshToken})
	if err != nil {
		span.End(err)
		return "", apierror.New(apierror.KindInvalid, "encode refresh body", err)
	}

	resp, err := c.sendWithRetry(ctx, http.MethodPost, refreshPath, payload, requestOptions{}, "")
	switch {
	case err != nil:
		return "", c.refreshFailed(ctx, span, 0, err)
	case resp.Status < 200 || resp.Status >= 300:
		return "", c.refreshFailed(ctx, span, resp.Status, apierror.FromStatus(resp.Status, resp.Body))
	}

	var out refreshResponse
	if err := resp.Decode(&out); err != nil || out.AccessToken == "" {
		return "", c.refreshFailed(ctx, span, resp.Status, apierror.New(apierror.KindServer, "refresh response missing access token", err))
	}

	next := models.Session{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, UserID: session.UserID}
	if next.RefreshToken == "" {
		next.RefreshToken = session.RefreshToken
	}
	if err := c.tokens.SaveSession(ctx, next); err != nil {
		logger.Error("persist refreshed session", "userId", next.UserID, "error", err)
	}

	c.metrics.Refresh("ok")
	logger.Info("session refreshed", "userId", next.UserID)
	span.End(nil)
	return next.AccessToken, nil
}

// refreshFailed turns any refresh failure that survived the retry policy into
// Unauthenticated, clears the store and fires the expiry hooks. With
// KeepSessionOnRefreshOutage set, network and 5xx failures are returned unchanged and the
// stored session is kept.
func (c *Client) refreshFailed(ctx context.Context, span *logging.Span, status int, cause error) error {
	if c.keepOnOutage && apierror.Retryable(cause) {
		c.metrics.Refresh("error")
		span.End(cause)
		return cause
	}

	c.metrics.Refresh("rejected")
	authErr := &apierror.Error{
		Kind:    apierror.KindUnauthenticated,
		Status:  status,
		Message: "refresh failed",
		Err:     cause,
	}
	c.expire(ctx, authErr)
	span.End(authErr)
	return authErr
}

// tokenExpired reports whether token is a JWT whose exp has passed. Opaque tokens and
// tokens without exp are never considered expired locally; the server decides.
func tokenExpired(token string, now time.Time, skew time.Duration) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(claims.ExpiresAt.Time)
}
