package validator

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
)

const (
	MsgRequired = "Please fill in all required fields"
	MsgPrice    = "Please enter a valid price"
	MsgRating   = "Rating must be between 0 and 5"
	MsgProduct  = "Please choose a valid product"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

type AddToCartPayload struct {
	ProductID int `json:"productId" validate:"required,gte=1"`
}

// ProductPayload wraps a draft submitted from the admin form.
type ProductPayload struct {
	model.ProductDraft
}

func (p *AddToCartPayload) Validate() error {
	return validate.Struct(p)
}

func (p *ProductPayload) Validate() error {
	return validate.Struct(p.ProductDraft)
}

// ValidationErrorResponse turns a validation failure into the single
// message shown to the user. Missing fields win over a bad price, and a
// bad price wins over a bad rating.
func ValidationErrorResponse(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return errors.New("invalid validation error")
	}

	rank := func(fe validator.FieldError) (int, string) {
		switch {
		case fe.Tag() == "required":
			return 0, MsgRequired
		case fe.Field() == "Price":
			return 1, MsgPrice
		case fe.Field() == "Rating":
			return 2, MsgRating
		case fe.Field() == "ProductID":
			return 3, MsgProduct
		}
		return 4, "Field '" + fe.Field() + "' is invalid: " + fe.Tag()
	}

	best, msg := -1, ""
	for _, fe := range validationErrs {
		r, m := rank(fe)
		if best == -1 || r < best {
			best, msg = r, m
		}
	}
	return errors.New(msg)
}
