package models

import "time"

// Profile is a wallet holder created through the account endpoint.
type Profile struct {
	ID              string    `json:"id" db:"id"`
	Username        string    `json:"username" db:"username"`
	Email           string    `json:"email" db:"email"`
	PublicKey       string    `json:"public_key" db:"public_key"`
	Role            string    `json:"role" db:"role"`
	EntityBelongs   string    `json:"entity_belongs" db:"entity_belongs"`
	EntityAdminName string    `json:"entity_admin_name" db:"entity_admin_name"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

type Asset struct {
	ID                string    `json:"asset_id" db:"asset_id"`
	Code              string    `json:"asset_code" db:"asset_code"`
	Name              string    `json:"asset_name" db:"asset_name"`
	Provider          string    `json:"asset_provider" db:"asset_provider"`
	ProviderPublicKey string    `json:"asset_provider_public_key" db:"asset_provider_public_key"`
	Description       *string   `json:"description,omitempty" db:"description"`
	TotalSupply       *string   `json:"total_supply,omitempty" db:"total_supply"`
	Category          *string   `json:"category,omitempty" db:"category"`
	IconURL           *string   `json:"icon_url,omitempty" db:"icon_url"`
	Website           *string   `json:"website,omitempty" db:"website"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	CreatedBy         string    `json:"created_by" db:"created_by"`
	UpdatedBy         *string   `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

type Entity struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Code             string    `json:"code" db:"code"`
	Description      *string   `json:"description,omitempty" db:"description"`
	StellarPublicKey *string   `json:"stellar_public_key,omitempty" db:"stellar_public_key"`
	AssetCode        *string   `json:"asset_code,omitempty" db:"asset_code"`
	CreatedBy        string    `json:"created_by" db:"created_by"`
	EntityManagerID  *string   `json:"entity_manager_id,omitempty" db:"entity_manager_id"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
