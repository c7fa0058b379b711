package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateRequest checks field presence and ranges, then the distance guard:
// the straight-line distance may not exceed tolerance times the client's
// route estimate. It returns the straight-line distance in meters.
func validateRequest(req models.RideRequest, tolerance float64) (float64, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := &models.ValidationError{}
			for _, fe := range verrs {
				out.Fields = append(out.Fields, models.FieldError{Field: fieldPath(fe), Message: validationMessage(fe)})
			}
			return 0, out
		}
		return 0, err
	}
	straight := geo.Distance(*req.Pickup, *req.Destination)
	if straight > tolerance*req.RouteDistanceMeters {
		return straight, models.NewValidationError("routeDistance",
			"straight-line distance %.0fm exceeds %.0f%% of route estimate %.0fm",
			straight, tolerance*100, req.RouteDistanceMeters)
	}
	return straight, nil
}

// fieldPath drops the struct name prefix: "RideRequest.pickup.lat" -> "pickup.lat".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return "is invalid"
	}
}
