package validation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const validatedKey = "validation.body"

// BindJSON decodes the request body into a new T, validates it and stores it
// for Validated. Invalid bodies are answered with 400 and the error list.
func BindJSON[T any]() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := new(T)
		if err := c.ShouldBindJSON(body); err != nil {
			abortWithErrors(c, ValidationErrors{{
				Field:   "request_body",
				Message: "invalid JSON: " + err.Error(),
			}})
			return
		}
		if err := ValidateStruct(body); err != nil {
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				errs = ValidationErrors{{Field: "request_body", Message: err.Error()}}
			}
			abortWithErrors(c, errs)
			return
		}
		c.Set(validatedKey, body)
		c.Next()
	}
}

// Validated returns the body stored by BindJSON.
func Validated[T any](c *gin.Context) (*T, bool) {
	v, ok := c.Get(validatedKey)
	if !ok {
		return nil, false
	}
	body, ok := v.(*T)
	return body, ok
}

func abortWithErrors(c *gin.Context, errs ValidationErrors) {
	data, err := MarshalValidationErrors(errs)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation failed"})
		return
	}
	c.Data(http.StatusBadRequest, "application/json", data)
	c.Abort()
}
