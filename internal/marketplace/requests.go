package marketplace

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"marketplace-backend/internal/apperr"
)

// go-playground/validator/v10: struct tags below are the request schema.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type CreateListingRequest struct {
	ItemName       string  `json:"item_name" validate:"required"`
	ListedPrice    float64 `json:"listed_price" validate:"required,gt=0"`
	AIAgentAddress string  `json:"ai_agent_address" validate:"required"`
	OwnerName      string  `json:"owner_name" validate:"required"`
}

type CreateOfferRequest struct {
	ListingID  int64   `json:"listing_id" validate:"required,gt=0"`
	OfferPrice float64 `json:"offer_price" validate:"required,gt=0"`
	BuyerName  string  `json:"buyer_name" validate:"required"`
}

type RespondToOfferRequest struct {
	Action string `json:"action" validate:"required,oneof=accept reject"`
}

// validateRequest converts validator failures into a single ValidationError
// naming every offending field.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Validation("invalid request: %v", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(invalid, ", "))
	}
	return apperr.Validation("%s", strings.Join(parts, "; "))
}
