package demohandler

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/llm"
)

// ChatConfig points the chat routes at an LLM gateway.
type ChatConfig struct {
	BaseURL string
	// APIKey is the hex private key the gateway trusts. Both chat routes
	// fail when it is empty.
	APIKey          string
	Model           string
	DelegationModel string
	// Delegation limits the tokens minted for /api/chat-delegation.
	Delegation llm.DelegationServerConfig
	Timeout    time.Duration
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Response string `json:"response"`
}

func (h *Handler) decodeChat(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ChatRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return "", false
	}
	if err := validation.Validate(req.Message, validation.Required); err != nil {
		api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Message is required"})
		return "", false
	}
	if h.chat.APIKey == "" {
		api.WriteJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "API key is not configured"})
		return "", false
	}
	return req.Message, true
}

func (h *Handler) chatRequest(model, message string) llm.ChatRequest {
	return llm.ChatRequest{
		Model:    model,
		Messages: []llm.Message{{Role: "user", Content: message}},
	}
}

// HandleChat calls the gateway with the API key.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	message, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	client, err := llm.NewClient(llm.Config{
		BaseURL:  h.chat.BaseURL,
		AuthType: llm.AuthAPIKey,
		APIKey:   h.chat.APIKey,
		Timeout:  h.chat.Timeout,
		Log:      h.log,
	})
	if err != nil {
		h.chatFailed(w, "api_key", err)
		return
	}
	resp, err := client.ChatCompletion(r.Context(), h.chatRequest(h.chat.Model, message))
	if err != nil {
		h.chatFailed(w, "api_key", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ChatResponse{Response: resp.Content()})
}

// HandleChatDelegation mints a delegation for a fresh key-less client and
// lets that client call the gateway.
func (h *Handler) HandleChatDelegation(w http.ResponseWriter, r *http.Request) {
	message, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	server, err := llm.NewDelegationTokenServer(h.chat.APIKey, h.chat.Delegation)
	if err != nil {
		h.chatFailed(w, "delegation", err)
		return
	}
	client, err := llm.NewClient(llm.Config{
		BaseURL:  h.chat.BaseURL,
		AuthType: llm.AuthDelegationToken,
		Timeout:  h.chat.Timeout,
		Log:      h.log,
	})
	if err != nil {
		h.chatFailed(w, "delegation", err)
		return
	}

	token, err := server.CreateDelegationToken(client.GetDelegationRequest())
	if err != nil {
		h.chatFailed(w, "delegation", err)
		return
	}
	if err := client.UpdateDelegation(token); err != nil {
		h.chatFailed(w, "delegation", err)
		return
	}

	resp, err := client.ChatCompletion(r.Context(), h.chatRequest(h.chat.DelegationModel, message))
	if err != nil {
		h.chatFailed(w, "delegation", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ChatResponse{Response: resp.Content()})
}

func (h *Handler) chatFailed(w http.ResponseWriter, auth string, err error) {
	h.log.Error("chat completion failed", "auth", auth, "err", err)
	api.WriteJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to get response from the LLM gateway"})
}
