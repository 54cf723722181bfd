package lua

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RequestOptions is a function that can modify a request before it is sent
// This can be used to add authentication headers, modify URLs, etc.
type RequestOptions func(*http.Request) error

// HTTPService provides HTTP client functionality to Lua scripts.
// Requests are bound to the context given to WithContext, so a tenant's time
// budget also cancels calls made from inside its script.
type HTTPService struct {
	ctx            context.Context
	client         *http.Client
	requestOptions RequestOptions
}

// HTTPServiceConfig configures the HTTP service
type HTTPServiceConfig struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration

	// RequestOptions function to process requests before sending
	// Can be used to add authentication, modify headers, etc.
	RequestOptions RequestOptions

	// Transport is the HTTP transport to use for requests
	// If nil, uses http.DefaultTransport
	Transport http.RoundTripper
}

// NewHTTPService creates a new HTTP service with configurable timeout
func NewHTTPService(timeout time.Duration) *HTTPService {
	return NewHTTPServiceWithConfig(HTTPServiceConfig{
		Timeout: timeout,
	})
}

// NewHTTPServiceWithConfig creates a new HTTP service with full configuration
func NewHTTPServiceWithConfig(config HTTPServiceConfig) *HTTPService {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPService{
		ctx: context.Background(),
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		requestOptions: config.RequestOptions,
	}
}

// WithContext returns a copy of the service whose requests use ctx
func (s *HTTPService) WithContext(ctx context.Context) *HTTPService {
	c := *s
	c.ctx = ctx
	return &c
}

// Register adds the HTTP service to the Lua state
// Usage in Lua:
//
//	local response = http.get("https://api.example.com/data")
//	local response = http.post("https://api.example.com/data", "request body", {["Content-Type"] = "application/json"})
//	local response = http.request("PATCH", "https://api.example.com/data", "body", headers)
func (s *HTTPService) Register(L *lua.LState) {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(s.luaHTTPGet))
	L.SetField(mod, "post", L.NewFunction(s.luaHTTPPost))
	L.SetField(mod, "request", L.NewFunction(s.luaHTTPRequest))

	L.SetGlobal("http", mod)
}

// luaHTTPGet implements HTTP GET
// Args: url (string), [headers (table)]
// Returns: response table {status=int, body=string, headers=table} or (nil, error)
func (s *HTTPService) luaHTTPGet(L *lua.LState) int {
	return s.send(L, http.MethodGet, L.CheckString(1), "", s.parseHeaders(L, 2))
}

// luaHTTPPost implements HTTP POST
// Args: url (string), body (string), [headers (table)]
func (s *HTTPService) luaHTTPPost(L *lua.LState) int {
	return s.send(L, http.MethodPost, L.CheckString(1), L.CheckString(2), s.parseHeaders(L, 3))
}

// luaHTTPRequest implements a generic HTTP request
// Args: method (string), url (string), [body (string)], [headers (table)]
func (s *HTTPService) luaHTTPRequest(L *lua.LState) int {
	return s.send(L, strings.ToUpper(L.CheckString(1)), L.CheckString(2), L.OptString(3, ""), s.parseHeaders(L, 4))
}

// send performs the request and pushes either the response table or (nil, error).
func (s *HTTPService) send(L *lua.LState, method, url, body string, headers map[string]string) int {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(s.ctx, method, url, reader)
	if err != nil {
		return pushError(L, fmt.Sprintf("failed to create request: %v", err))
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if s.requestOptions != nil {
		if err := s.requestOptions(req); err != nil {
			return pushError(L, fmt.Sprintf("request options failed: %v", err))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return pushError(L, fmt.Sprintf("request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	L.Push(s.responseToLua(L, resp))
	return 1
}

func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

// parseHeaders converts a Lua table to Go map of headers
func (s *HTTPService) parseHeaders(L *lua.LState, arg int) map[string]string {
	headers := make(map[string]string)

	if L.GetTop() < arg {
		return headers
	}

	tbl, ok := L.Get(arg).(*lua.LTable)
	if !ok {
		return headers
	}

	tbl.ForEach(func(key, value lua.LValue) {
		if key.Type() == lua.LTString && value.Type() == lua.LTString {
			headers[key.String()] = value.String()
		}
	})

	return headers
}

// responseToLua converts an HTTP response to a Lua table
func (s *HTTPService) responseToLua(L *lua.LState, resp *http.Response) *lua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "status", lua.LNumber(resp.StatusCode))

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		L.SetField(tbl, "body", lua.LString(""))
		L.SetField(tbl, "error", lua.LString(fmt.Sprintf("failed to read body: %v", err)))
	} else {
		L.SetField(tbl, "body", lua.LString(string(bodyBytes)))
	}

	headersTbl := L.NewTable()
	for key, values := range resp.Header {
		if len(values) > 0 {
			L.SetField(headersTbl, key, lua.LString(values[0]))
		}
	}
	L.SetField(tbl, "headers", headersTbl)

	return tbl
}
