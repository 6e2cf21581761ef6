package entity

import (
	"artgen/internal/entity/common"
)

// Type aliases for common types
type Meta = common.Meta
type BaseParams = common.BaseParams
