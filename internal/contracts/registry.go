package contracts

import (
	"github.com/ethereum/go-ethereum/common"
)

// Merchant is a registry entry. The zero value is what the registry returns
// for an unknown id.
type Merchant struct {
	Admin         common.Address
	PayoutAddress common.Address
	Active        bool
}

// Registry maps merchant admins to ids and payout addresses. Id 0 is never
// assigned and means "not registered".
type Registry struct {
	address common.Address
	nextID  uint64
	entries map[uint64]Merchant
	byAdmin map[common.Address]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(address common.Address) *Registry {
	return &Registry{
		address: address,
		nextID:  1,
		entries: make(map[uint64]Merchant),
		byAdmin: make(map[common.Address]uint64),
	}
}

// Address returns the registry address.
func (r *Registry) Address() common.Address { return r.address }

// NextMerchantID returns the id the next registration will receive.
func (r *Registry) NextMerchantID() uint64 { return r.nextID }

// RegisterMerchant registers caller as the admin of a new active merchant.
func (r *Registry) RegisterMerchant(caller, payout common.Address) (uint64, MerchantRegistered, error) {
	if r.byAdmin[caller] != 0 {
		return 0, MerchantRegistered{}, ErrAlreadyRegistered
	}
	if payout == (common.Address{}) {
		return 0, MerchantRegistered{}, ErrZeroPayout
	}
	id := r.nextID
	r.nextID++
	r.entries[id] = Merchant{Admin: caller, PayoutAddress: payout, Active: true}
	r.byAdmin[caller] = id
	return id, MerchantRegistered{Registry: r.address, MerchantID: id, Admin: caller, PayoutAddress: payout}, nil
}

// UpdatePayoutAddress changes where payments for id are sent.
func (r *Registry) UpdatePayoutAddress(caller common.Address, id uint64, payout common.Address) (MerchantUpdated, error) {
	entry, err := r.adminEntry(caller, id)
	if err != nil {
		return MerchantUpdated{}, err
	}
	if payout == (common.Address{}) {
		return MerchantUpdated{}, ErrZeroPayout
	}
	entry.PayoutAddress = payout
	r.entries[id] = entry
	return MerchantUpdated{Registry: r.address, MerchantID: id, PayoutAddress: payout}, nil
}

// SetActive toggles whether the merchant may receive payments.
func (r *Registry) SetActive(caller common.Address, id uint64, active bool) (MerchantStatusUpdated, error) {
	entry, err := r.adminEntry(caller, id)
	if err != nil {
		return MerchantStatusUpdated{}, err
	}
	entry.Active = active
	r.entries[id] = entry
	return MerchantStatusUpdated{Registry: r.address, MerchantID: id, Active: active}, nil
}

// Merchant returns the entry for id, or the zero entry when unknown.
func (r *Registry) Merchant(id uint64) Merchant {
	return r.entries[id]
}

// MerchantIDByAdmin returns the admin's merchant id, 0 when unregistered.
func (r *Registry) MerchantIDByAdmin(admin common.Address) uint64 {
	return r.byAdmin[admin]
}

func (r *Registry) adminEntry(caller common.Address, id uint64) (Merchant, error) {
	entry, ok := r.entries[id]
	if !ok {
		return Merchant{}, ErrUnknownMerchant
	}
	if entry.Admin != caller {
		return Merchant{}, ErrNotMerchantAdmin
	}
	return entry, nil
}
