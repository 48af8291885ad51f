package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
)

// Client talks to the catalog backend over its REST API. Response bodies are
// decoded into the closed domain types; fields the backend adds that we do
// not know about are dropped on the floor here rather than passed through.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		token: token,
	}
}

func (c *Client) ListCategories(ctx context.Context) ([]domain.Option, error) {
	var body struct {
		Categories []domain.Option `json:"categories"`
	}
	if err := c.get(ctx, "/api/v1/categories", nil, &body); err != nil {
		return nil, err
	}
	return body.Categories, nil
}

func (c *Client) ListManufacturers(ctx context.Context) ([]domain.Option, error) {
	var body struct {
		Manufacturers []domain.Option `json:"manufacturers"`
	}
	if err := c.get(ctx, "/api/v1/manufacturers", nil, &body); err != nil {
		return nil, err
	}
	return body.Manufacturers, nil
}

func (c *Client) ListProducts(ctx context.Context, filter domain.ProductFilter) (domain.ProductPage, error) {
	query := url.Values{}
	if filter.CategoryID != nil {
		query.Set("category_id", strconv.FormatInt(*filter.CategoryID, 10))
	}
	if filter.ManufacturerID != nil {
		query.Set("manufacturer_id", strconv.FormatInt(*filter.ManufacturerID, 10))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		query.Set("search", search)
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	var page domain.ProductPage
	if err := c.get(ctx, "/api/v1/products", query, &page); err != nil {
		return domain.ProductPage{}, err
	}
	if page.Items == nil {
		page.Items = []domain.ProductOption{}
	}
	return page, nil
}

func (c *Client) ListConversions(ctx context.Context, productID int64, kind domain.TransactionKind) ([]domain.ConversionOption, error) {
	query := url.Values{}
	query.Set("kind", string(kind))

	var body struct {
		Conversions []domain.ConversionOption `json:"conversions"`
	}
	path := fmt.Sprintf("/api/v1/products/%d/conversions", productID)
	if err := c.get(ctx, path, query, &body); err != nil {
		return nil, err
	}
	return catalog.ActiveConversions(body.Conversions), nil
}

func (c *Client) CreateTransaction(ctx context.Context, kind domain.TransactionKind, payload domain.TransactionPayload) (domain.TransactionReceipt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.TransactionReceipt{}, err
	}

	path := fmt.Sprintf("/api/v1/transactions/%s", kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return domain.TransactionReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TransactionReceipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
		return domain.TransactionReceipt{}, fmt.Errorf("%w: %s", catalog.ErrRejected, readErrorMessage(resp.Body))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.TransactionReceipt{}, fmt.Errorf("catalog backend: unexpected status %d", resp.StatusCode)
	}

	var receipt domain.TransactionReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return domain.TransactionReceipt{}, err
	}
	return receipt, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return catalog.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog backend: unexpected status %d for %s", resp.StatusCode, path)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readErrorMessage(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil || payload.Error == "" {
		return "request rejected"
	}
	return payload.Error
}
