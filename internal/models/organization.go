package models

import "gorm.io/gorm"

type StoreStatus string

const (
	StoreActive   StoreStatus = "active"
	StoreInactive StoreStatus = "inactive"
	StoreClosed   StoreStatus = "closed"
)

type Organization struct {
	gorm.Model
	Name string `json:"name" gorm:"not null"`
	Code string `json:"code" gorm:"uniqueIndex;not null"`
}

type Region struct {
	gorm.Model
	OrganizationID uint   `json:"organization_id" gorm:"index"`
	Name           string `json:"name"`
	ManagerName    string `json:"manager_name"`
	ManagerPhone   string `json:"manager_phone"`
	ManagerEmail   string `json:"manager_email"`
}

type District struct {
	gorm.Model
	RegionID     uint   `json:"region_id" gorm:"index"`
	Name         string `json:"name"`
	ManagerName  string `json:"manager_name"`
	ManagerPhone string `json:"manager_phone"`
	ManagerEmail string `json:"manager_email"`
}

type Store struct {
	gorm.Model
	OrganizationID uint        `json:"organization_id" gorm:"index;not null"`
	RegionID       *uint       `json:"region_id"`
	DistrictID     *uint       `json:"district_id"`
	StoreCode      string      `json:"store_code" gorm:"uniqueIndex;not null"`
	Name           string      `json:"name" gorm:"not null"`
	Status         StoreStatus `json:"status" gorm:"index;not null"`
	ManagerName    string      `json:"manager_name"`
	ManagerPhone   string      `json:"manager_phone"`
	ManagerEmail   string      `json:"manager_email"`
	Region         *Region     `json:"region,omitempty"`
	District       *District   `json:"district,omitempty"`
}

// ManagerContact returns the store manager reachable by phone, falling back
// to email.
func (s *Store) ManagerContact() Contact {
	addr := s.ManagerPhone
	if addr == "" {
		addr = s.ManagerEmail
	}
	return Contact{Role: RoleStoreManager, Name: s.ManagerName, Address: addr}
}
