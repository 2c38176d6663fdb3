package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// validate holds the settings and caches for validating config values.
var validate *validator.Validate

// translator is a cache of locale and translation information.
var translator ut.Translator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(fmt.Sprintf("registering validator translations: %v", err))
	}

	// Report the config key rather than the Go field name.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterStructValidation(sourceStructLevel, SourceConfig{})
}

// FieldError is used to indicate an error with a specific config field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface.
func (fe FieldErrors) Error() string {
	d, err := json.Marshal(fe)
	if err != nil {
		return err.Error()
	}
	return string(d)
}

// Fields returns the fields that failed validation, keyed by config path.
func (fe FieldErrors) Fields() map[string]string {
	m := make(map[string]string, len(fe))
	for _, fld := range fe {
		m[fld.Field] = fld.Err
	}
	return m
}

// Check validates the provided model against its declared tags.
func Check(val any) error {
	if err := validate.Struct(val); err != nil {
		var verrors validator.ValidationErrors
		if !errors.As(err, &verrors) {
			return err
		}

		fields := make(FieldErrors, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: configPath(verror.Namespace()),
				Err:   verror.Translate(translator),
			})
		}
		return fields
	}
	return nil
}

// configPath turns "Config.source.kafka.brokers" into "source.kafka.brokers".
func configPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// sourceStructLevel requires the settings of the selected source only.
func sourceStructLevel(sl validator.StructLevel) {
	src := sl.Current().Interface().(SourceConfig)

	switch src.Type {
	case SourceKafka:
		if len(src.Kafka.Brokers) == 0 {
			sl.ReportError(src.Kafka.Brokers, "kafka.brokers", "Brokers", "required", "")
		}
		if len(src.Kafka.Topics) == 0 {
			sl.ReportError(src.Kafka.Topics, "kafka.topics", "Topics", "required", "")
		}
		if src.Kafka.GroupID == "" {
			sl.ReportError(src.Kafka.GroupID, "kafka.group_id", "GroupID", "required", "")
		}
	case SourceAMQP:
		if src.AMQP.URL == "" {
			sl.ReportError(src.AMQP.URL, "amqp.url", "URL", "required", "")
		}
		if src.AMQP.Queue == "" {
			sl.ReportError(src.AMQP.Queue, "amqp.queue", "Queue", "required", "")
		}
	case SourceJetStream:
		if src.JetStream.URL == "" {
			sl.ReportError(src.JetStream.URL, "jetstream.url", "URL", "required", "")
		}
		if src.JetStream.Stream == "" {
			sl.ReportError(src.JetStream.Stream, "jetstream.stream", "Stream", "required", "")
		}
		if src.JetStream.Consumer == "" {
			sl.ReportError(src.JetStream.Consumer, "jetstream.consumer", "Consumer", "required", "")
		}
	}
}
