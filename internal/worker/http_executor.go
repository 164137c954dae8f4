package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor — executor для шага типа "http".
//
// Выполняет HTTP-запрос на основе config из аргументов шага.
//
// Config:
//   - method (string): HTTP-метод (GET, POST, PUT, DELETE). Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
type HTTPExecutor struct{}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	method := getString(task.Config, "method", "GET")
	url := getString(task.Config, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout(task.Config))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := task.Config["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}

	setHeaders(req, task.Config)

	// Content-Type по умолчанию для запросов с body
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)

	// HTTP >= 400 — логическая ошибка (outputs сохраняются)
	if resp.StatusCode >= 400 {
		return &ExecutionResult{
			Outputs: outputs,
			Error:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}, nil
	}

	return &ExecutionResult{Outputs: outputs}, nil
}

// buildOutputs формирует outputs из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getTimeout извлекает таймаут из config.
func getTimeout(config map[string]any) time.Duration {
	if val, ok := config["timeout_sec"]; ok {
		switch v := val.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return defaultHTTPTimeout
}

// setHeaders устанавливает заголовки из config.
func setHeaders(req *http.Request, config map[string]any) {
	headers, ok := config["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
