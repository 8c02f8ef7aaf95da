package contact

import (
	"testing"
)

func TestValidateAcceptsTrimmedForm(t *testing.T) {
	f := Form{
		Name:    "  Veeny ",
		Email:   " veeny@example.com ",
		Subject: "Internship",
		Message: "I saw your portfolio and would like to talk.",
	}
	if errs := Validate(f); len(errs) != 0 {
		t.Fatalf("Errors are %v", errs)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		form    Form
		field   string
		message string
	}{
		{Form{Name: " V ", Email: "a@b.co", Subject: "Hello there", Message: "Long enough message"}, "name", "Please enter your full name"},
		{Form{Name: "Veeny", Email: "a@b", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "a b@c.de", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "john\u00a0doe@example.com", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "john@exa\u2028mple.com", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "a\vb@c.de", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "a@b.c\u3000o", Subject: "Hello there", Message: "Long enough message"}, "email", "Please enter a valid email address"},
		{Form{Name: "Veeny", Email: "a@b.co", Subject: " Hi  ", Message: "Long enough message"}, "subject", "Please enter a descriptive subject"},
		{Form{Name: "Veeny", Email: "a@b.co", Subject: "Hello there", Message: " too short "}, "message", "Please enter a message with at least 10 characters"},
	}
	for _, test := range tests {
		errs := Validate(test.form)
		if len(errs) != 1 || errs[0].Field != test.field || errs[0].Message != test.message {
			t.Fatalf("%+v: errors are %v", test.form, errs)
		}
	}
}

func TestTrimmedRemovesUnicodeWhitespace(t *testing.T) {
	f := Form{Email: "\ufeff veeny@example.com\u00a0", Name: "\u3000V\u2003"}.Trimmed()
	if f.Email != "veeny@example.com" || f.Name != "V" {
		t.Fatalf("Trimmed form is %+v", f)
	}
}

func TestValidateReportsAllFieldsInOrder(t *testing.T) {
	errs := Validate(Form{})
	if len(errs) != 4 {
		t.Fatalf("Errors are %v", errs)
	}
	for i, field := range []string{"name", "email", "subject", "message"} {
		if errs[i].Field != field {
			t.Fatalf("Error %d is for %s", i, errs[i].Field)
		}
	}
}
