package domain

// Filter is the transport-independent form of a subscription query.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"     validate:"omitempty,dive,len=64,hexadecimal"`
	Authors []string            `json:"authors,omitempty" validate:"omitempty,dive,len=64,hexadecimal"`
	Kinds   []int               `json:"kinds,omitempty"   validate:"omitempty,dive,min=0,max=65535"`
	Tags    map[string][]string `json:"tags,omitempty"    validate:"omitempty,dive,keys,len=1,alpha,endkeys"`
	Since   *int64              `json:"since,omitempty"   validate:"omitempty,min=0"`
	Until   *int64              `json:"until,omitempty"   validate:"omitempty,min=0"`
	Limit   *int                `json:"limit,omitempty"   validate:"omitempty,min=0"`
}

// Subscription is an id bound to a filter.
type Subscription struct {
	ID     string `json:"id"`
	Filter Filter `json:"filter"`
}
