package handler

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"content-protection-service/pkg/httputil"
)

var ownerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxOwnerIDLength = 64

// validate はリクエストの検証器。ownerid タグで利用者IDの形式を検証する。
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ownerid", func(fl validator.FieldLevel) bool {
		return validOwnerID(fl.Field().String())
	})
	// エラーメッセージにJSONのフィールド名を使う
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

func validOwnerID(id string) bool {
	return id != "" && len(id) <= maxOwnerIDLength && ownerIDRegex.MatchString(id)
}

// decodeRequest はJSON本文を読み込んで検証する。失敗時は400を返し false を返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(w, r, v); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", validationMessage(err))
		return false
	}
	return true
}

// validationMessage は検証エラーを利用者向けの短い文に変換する。値は含めない。
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

// queryLimit はクエリパラメータ limit を読み取る。不正な値は既定値を使う。
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
