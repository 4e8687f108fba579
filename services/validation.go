package services

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"postpilot/models"
	"postpilot/pricing"
)

// RequestValidator は発送登録リクエストを検証します。
// 通常モードでは address と shippingData の有無だけを確認し、未知の発送方法などは素通しします。
// 厳格モードでは validate タグと重量の規則も適用します。
type RequestValidator struct {
	strict   bool
	validate *validator.Validate
}

func NewRequestValidator(strict bool) *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーのフィールド名をJSON名にする
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("shipping_method", func(fl validator.FieldLevel) bool {
		return pricing.ParseMethod(fl.Field().String()).Recognized
	})
	_ = v.RegisterValidation("posting_method", func(fl validator.FieldLevel) bool {
		return pricing.ParsePostingMethod(fl.Field().String()).Recognized
	})
	v.RegisterStructValidation(shippingDataWeightRule, models.ShippingData{})

	return &RequestValidator{strict: strict, validate: v}
}

// 重量区分のある発送方法では重量が正であること
func shippingDataWeightRule(sl validator.StructLevel) {
	data := sl.Current().Interface().(models.ShippingData)
	method := pricing.ParseMethod(data.Method)
	if !method.Recognized || pricing.IsFlatRate(method.Value) {
		return
	}
	if !(data.Weight > 0) {
		sl.ReportError(data.Weight, "weight", "Weight", "positive_weight", "")
	}
}

func (v *RequestValidator) Strict() bool {
	return v.strict
}

func (v *RequestValidator) Validate(req *models.ShippingRequest) error {
	if req == nil || req.Address == nil || req.ShippingData == nil {
		return models.NewMissingDataError()
	}
	if !v.strict {
		return nil
	}

	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &models.ValidationError{Message: models.MsgInvalidRequestFormat}
	}

	// 最初の違反だけを返す
	fe := fieldErrs[0]
	return &models.ValidationError{
		Message: messageForTag(fe.Tag()),
		Field:   fieldPath(fe.Namespace()),
	}
}

func messageForTag(tag string) string {
	switch tag {
	case "required":
		return models.MsgMissingRequiredData
	case "shipping_method":
		return models.MsgInvalidShippingMethod
	case "posting_method":
		return models.MsgInvalidPostingMethod
	case "positive_weight":
		return models.MsgInvalidWeight
	default:
		return models.MsgInvalidRequestFormat
	}
}

// "ShippingRequest.shippingData.method" -> "shippingData.method"
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
