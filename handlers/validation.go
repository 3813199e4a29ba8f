package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"rewear/models"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func init() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	// Report fields by the name clients send.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	for tag, values := range enumTags {
		_ = v.RegisterValidation(tag, oneOf(values))
	}
}

func oneOf(values []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for _, v := range values {
			if s == v {
				return true
			}
		}
		return false
	}
}

// enumTags are the custom validation tags backed by a fixed value list.
var enumTags = map[string][]string{
	"itemcategory":  models.ItemCategories,
	"itemsize":      models.ItemSizes,
	"itemcondition": models.ItemConditions,
	"itemtype":      models.ItemTypes,
	"itemsort":      store.ItemSorts,
	"itemstatus": {
		string(models.ItemPending), string(models.ItemAvailable),
		string(models.ItemSwapped), string(models.ItemRemoved),
	},
	"swaptype": {
		string(models.ItemForItem), string(models.ItemForPoints), string(models.PointsForItem),
	},
	"swapstatus": {
		string(models.SwapPending), string(models.SwapAccepted), string(models.SwapRejected),
		string(models.SwapCompleted), string(models.SwapCancelled),
	},
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "url":
		return field + " must be a valid URL"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at most %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	}
	if values, ok := enumTags[fe.Tag()]; ok {
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(values, ", "))
	}
	return field + " is invalid"
}

func validationFailed(c *gin.Context, errs ...fieldError) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "errors": errs})
}

// bindFailed renders a binding error: field errors as a list, anything
// else (malformed JSON, bad number) as malformed.
func bindFailed(c *gin.Context, err error, malformed string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fieldError{Field: fe.Field(), Message: describe(fe)})
		}
		validationFailed(c, out...)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": malformed})
}

func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		bindFailed(c, err, "Invalid request body")
		return false
	}
	return true
}

func bindQuery(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		bindFailed(c, err, "Invalid query parameters")
		return false
	}
	return true
}

// bindOptionalJSON binds a body that may be omitted entirely.
func bindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, obj)
}
