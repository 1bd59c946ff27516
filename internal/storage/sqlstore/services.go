package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"AgentPay/internal/registry"
)

// ServiceStore 实现 registry.Store。
type ServiceStore struct {
	db *DB
}

var _ registry.Store = (*ServiceStore)(nil)

const serviceColumns = `id, seq, name, endpoint, capabilities, price_amount, price_currency, price_network,
    price_asset, price_decimals, payout_address, rating, review_count, job_count, success_rate,
    health, input_schema, deleted, created_at, updated_at`

// SaveService 插入或整体覆盖服务描述符。
func (s *ServiceStore) SaveService(ctx context.Context, d *registry.ServiceDescriptor) error {
	capabilities, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("序列化能力标签失败: %w", err)
	}
	var schema sql.NullString
	if len(d.InputSchema) > 0 {
		schema = sql.NullString{String: string(d.InputSchema), Valid: true}
	}

	query := `INSERT INTO services (` + serviceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	switch s.db.dialect {
	case DialectMySQL:
		query += ` ON DUPLICATE KEY UPDATE name = VALUES(name), endpoint = VALUES(endpoint),
    capabilities = VALUES(capabilities), price_amount = VALUES(price_amount),
    price_currency = VALUES(price_currency), price_network = VALUES(price_network),
    price_asset = VALUES(price_asset), price_decimals = VALUES(price_decimals),
    payout_address = VALUES(payout_address), rating = VALUES(rating),
    review_count = VALUES(review_count), job_count = VALUES(job_count),
    success_rate = VALUES(success_rate), health = VALUES(health),
    input_schema = VALUES(input_schema), deleted = VALUES(deleted), updated_at = VALUES(updated_at)`
	default:
		query += ` ON CONFLICT(id) DO UPDATE SET name = excluded.name, endpoint = excluded.endpoint,
    capabilities = excluded.capabilities, price_amount = excluded.price_amount,
    price_currency = excluded.price_currency, price_network = excluded.price_network,
    price_asset = excluded.price_asset, price_decimals = excluded.price_decimals,
    payout_address = excluded.payout_address, rating = excluded.rating,
    review_count = excluded.review_count, job_count = excluded.job_count,
    success_rate = excluded.success_rate, health = excluded.health,
    input_schema = excluded.input_schema, deleted = excluded.deleted, updated_at = excluded.updated_at`
	}

	_, err = s.db.db.ExecContext(ctx, query,
		d.ID, d.Seq, d.Name, d.Endpoint, string(capabilities),
		d.Price.Amount.String(), d.Price.Currency, d.Price.Network, d.Price.Asset, d.Price.Decimals,
		d.PayoutAddress, d.Reputation.Rating, d.Reputation.ReviewCount, d.Reputation.JobCount, d.Reputation.SuccessRate,
		string(d.Health), schema, d.Deleted, toUnix(d.CreatedAt), toUnix(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("保存服务 %s 失败: %w", d.ID, err)
	}
	return nil
}

// ListServices 按插入顺序返回全部服务，包括已注销的。
func (s *ServiceStore) ListServices(ctx context.Context) ([]*registry.ServiceDescriptor, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询服务列表失败: %w", err)
	}
	defer rows.Close()

	var out []*registry.ServiceDescriptor
	for rows.Next() {
		var (
			d            registry.ServiceDescriptor
			capabilities string
			amount       string
			health       string
			schema       sql.NullString
			createdAt    int64
			updatedAt    int64
		)
		if err := rows.Scan(
			&d.ID, &d.Seq, &d.Name, &d.Endpoint, &capabilities,
			&amount, &d.Price.Currency, &d.Price.Network, &d.Price.Asset, &d.Price.Decimals,
			&d.PayoutAddress, &d.Reputation.Rating, &d.Reputation.ReviewCount, &d.Reputation.JobCount, &d.Reputation.SuccessRate,
			&health, &schema, &d.Deleted, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析服务记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(capabilities), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("解析服务 %s 的能力标签失败: %w", d.ID, err)
		}
		price, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("解析服务 %s 的价格失败: %w", d.ID, err)
		}
		d.Price.Amount = price
		d.Health = registry.HealthStatus(health)
		if schema.Valid && schema.String != "" {
			d.InputSchema = json.RawMessage(schema.String)
		}
		d.CreatedAt = fromUnix(createdAt)
		d.UpdatedAt = fromUnix(updatedAt)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历服务列表失败: %w", err)
	}
	return out, nil
}
