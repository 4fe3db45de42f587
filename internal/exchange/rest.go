package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/pkg/models"
)

const (
	profilePath = "/profile"
	historyPath = "/data/history"
	basketPath  = "/multi-order/sync"
)

// Коды типов заявок в REST API брокера
var restOrderTypes = map[models.OrderKind]int{
	models.KindLimit:     1,
	models.KindMarket:    2,
	models.KindStop:      3,
	models.KindStopLimit: 4,
}

// RESTClient клиент REST API брокера. Один http.Client на все вызовы,
// поэтому прогрев через Ping держит горячим тот же пул соединений.
type RESTClient struct {
	httpClient *http.Client
	baseURL    string
	feedURL    string
	authHeader string
}

// NewRESTClient создает новый клиент REST API
func NewRESTClient(cfg config.BrokerConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("не задан base_url брокера")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("некорректный base_url: %w", err)
	}

	timeout := config.Duration(cfg.RequestTimeoutMs)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}

	c := &RESTClient{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		feedURL:    cfg.FeedURL,
	}
	if cfg.AccessToken != "" {
		if cfg.AppID != "" {
			c.authHeader = cfg.AppID + ":" + cfg.AccessToken
		} else {
			c.authHeader = cfg.AccessToken
		}
	}
	return c, nil
}

// NewFeed создает websocket подписку с той же авторизацией
func (c *RESTClient) NewFeed() Feed {
	headers := http.Header{}
	if c.authHeader != "" {
		headers.Set("Authorization", c.authHeader)
	}
	return NewWSFeed(c.feedURL, headers)
}

type restStatus struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type historyResponse struct {
	restStatus
	Candles [][]decimal.Decimal `json:"candles"`
}

type restOrder struct {
	Symbol       string  `json:"symbol"`
	Qty          int64   `json:"qty"`
	Type         int     `json:"type"`
	Side         int     `json:"side"`
	ProductType  string  `json:"productType"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity"`
	DisclosedQty int64   `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
	OrderTag     string  `json:"orderTag,omitempty"`
}

type basketResponse struct {
	restStatus
	Data []struct {
		StatusCode        int    `json:"statusCode"`
		StatusDescription string `json:"statusDescription"`
		Body              struct {
			S       string `json:"s"`
			Message string `json:"message"`
			ID      string `json:"id"`
		} `json:"body"`
	} `json:"data"`
}

// Ping запрашивает профиль, используется для прогрева соединения
func (c *RESTClient) Ping(ctx context.Context) error {
	var resp restStatus
	if err := c.get(ctx, profilePath, nil, &resp); err != nil {
		return err
	}
	if resp.S != "ok" {
		return fmt.Errorf("профиль: %s (код %d): %w", resp.Message, resp.Code, ErrAPIFailure)
	}
	return nil
}

// DailyCandle получает последнюю дневную свечу за период
func (c *RESTClient) DailyCandle(ctx context.Context, symbol string, from, to time.Time) (*models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("resolution", "D")
	params.Set("date_format", "0")
	params.Set("range_from", strconv.FormatInt(from.Unix(), 10))
	params.Set("range_to", strconv.FormatInt(to.Unix(), 10))
	params.Set("cont_flag", "1")

	var resp historyResponse
	if err := c.get(ctx, historyPath, params, &resp); err != nil {
		return nil, fmt.Errorf("ошибка получения свечей %s: %w", symbol, err)
	}
	if resp.S != "ok" {
		return nil, fmt.Errorf("свечи %s: %s (код %d): %w", symbol, resp.Message, resp.Code, ErrAPIFailure)
	}
	if len(resp.Candles) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoCandles)
	}

	// Берем последнюю (самую свежую) свечу
	row := resp.Candles[len(resp.Candles)-1]
	if len(row) < 6 {
		return nil, fmt.Errorf("свеча %s: ожидалось 6 полей, получено %d", symbol, len(row))
	}

	return &models.Candle{
		Symbol:   symbol,
		OpenTime: time.Unix(row[0].IntPart(), 0),
		Open:     row[1],
		High:     row[2],
		Low:      row[3],
		Close:    row[4],
		Volume:   row[5],
	}, nil
}

// SubmitOrders отправляет пакет заявок одним запросом
func (c *RESTClient) SubmitOrders(ctx context.Context, orders []models.Order) (*models.BasketResponse, error) {
	payload := make([]restOrder, len(orders))
	for i, o := range orders {
		ro, err := toRESTOrder(o)
		if err != nil {
			return nil, err
		}
		payload[i] = ro
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации пакета: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+basketPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp basketResponse
	// Ответ разбираем и при HTTP ошибке: результаты по заявкам важнее кода
	status, err := c.do(req, &resp)
	if err != nil && status == 0 {
		return nil, err
	}

	out := &models.BasketResponse{
		Status:  resp.S,
		Code:    resp.Code,
		Message: resp.Message,
		Results: make([]models.OrderResult, len(resp.Data)),
	}
	for i, d := range resp.Data {
		out.Results[i] = models.OrderResult{
			StatusCode:        d.StatusCode,
			StatusDescription: d.StatusDescription,
			Status:            d.Body.S,
			Message:           d.Body.Message,
			OrderID:           d.Body.ID,
		}
	}
	return out, err
}

func toRESTOrder(o models.Order) (restOrder, error) {
	kind, ok := restOrderTypes[o.Kind]
	if !ok {
		return restOrder{}, fmt.Errorf("%w: %s: тип %q не поддерживается", models.ErrInvalidOrder, o.Symbol, o.Kind)
	}
	side := 1
	if o.Side == models.SideSell {
		side = -1
	}
	return restOrder{
		Symbol:       o.Symbol,
		Qty:          o.Quantity,
		Type:         kind,
		Side:         side,
		ProductType:  o.Product,
		LimitPrice:   o.LimitPrice.InexactFloat64(),
		StopPrice:    o.StopPrice.InexactFloat64(),
		Validity:     string(o.Validity),
		DisclosedQty: o.DisclosedQty,
		OrderTag:     restOrderTag(o.ClientOrderID),
	}, nil
}

// restOrderTag укорачивает клиентский идентификатор до буквенно-цифровой метки
func restOrderTag(id string) string {
	tag := strings.ReplaceAll(id, "-", "")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}

func (c *RESTClient) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, result)
	return err
}

// do выполняет запрос и разбирает JSON ответ. Возвращает HTTP статус, если ответ получен.
func (c *RESTClient) do(req *http.Request, result interface{}) (int, error) {
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	if result != nil && len(body) > 0 {
		if jerr := json.Unmarshal(body, result); jerr != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("ошибка разбора ответа: %w", jerr)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("API error %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), ErrAPIFailure)
	}
	return resp.StatusCode, nil
}
