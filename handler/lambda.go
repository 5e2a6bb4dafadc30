package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"advora-intake/internal/integrations/whatsapp"
	"advora-intake/internal/middleware"
	"advora-intake/pkg/logger"
)

// Lambda serves the webhook behind API Gateway proxy integration.
type Lambda struct {
	webhook *Webhook
	log     *logger.Logger
}

// NewLambda returns a Lambda adapter. The webhook must be synchronous.
func NewLambda(wh *Webhook, log *logger.Logger) (*Lambda, error) {
	if wh == nil {
		return nil, errors.New("handler: webhook must not be nil")
	}
	if wh.async {
		return nil, errors.New("handler: lambda requires a synchronous webhook")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Lambda{webhook: wh, log: log}, nil
}

// Handle is the Lambda entry point.
func (h *Lambda) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, middleware.CorrelationIDHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = middleware.WithCorrelationID(ctx, correlationID)
	headers := map[string]string{middleware.CorrelationIDHeader: correlationID}

	switch req.HTTPMethod {
	case http.MethodGet:
		q := req.QueryStringParameters
		challenge, ok := h.webhook.Verify(q["hub.mode"], q["hub.verify_token"], q["hub.challenge"])
		if !ok {
			return respond(http.StatusForbidden, headers, "forbidden"), nil
		}
		headers["Content-Type"] = "text/plain; charset=utf-8"
		return respond(http.StatusOK, headers, challenge), nil

	case http.MethodPost:
		body := []byte(req.Body)
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				h.log.Warn("undecodable webhook body", zap.String("correlation_id", correlationID), zap.Error(err))
				return respond(http.StatusOK, headers, ""), nil
			}
			body = decoded
		}
		status := h.webhook.Receive(ctx, body, headerValue(req.Headers, whatsapp.SignatureHeader))
		return respond(status, headers, ""), nil

	default:
		return respond(http.StatusMethodNotAllowed, headers, "method not allowed"), nil
	}
}

func respond(status int, headers map[string]string, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: body}
}

// headerValue looks a header up case-insensitively; API Gateway passes
// headers through as the client sent them.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
