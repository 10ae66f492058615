// Package docs registers the OpenAPI document served at /swagger/doc.json.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/register": {
            "post": {
                "tags": ["auth"],
                "summary": "Register a patient or doctor account",
                "responses": {"201": {"description": "Created"}, "400": {"description": "Validation error"}, "409": {"description": "Email already registered"}}
            }
        },
        "/login": {
            "post": {
                "tags": ["auth"],
                "summary": "Exchange credentials for access and refresh tokens",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Invalid credentials"}}
            }
        },
        "/doctors": {
            "get": {
                "tags": ["doctors"],
                "summary": "List verified doctors",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/doctors/{id}/schedules": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["schedules"],
                "summary": "List a doctor's slots",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/appointments": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["appointments"],
                "summary": "List the caller's appointments",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["appointments"],
                "summary": "Book a slot, either as a request or with an instant payment hold",
                "responses": {"201": {"description": "Created"}, "409": {"description": "Slot already taken"}}
            }
        },
        "/appointments/{id}/approve": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["appointments"],
                "summary": "Approve a booking request and open its payment hold",
                "responses": {"200": {"description": "OK"}, "403": {"description": "Role may not approve"}, "409": {"description": "Invalid transition"}}
            }
        },
        "/invoices/{id}/checkout": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["payments"],
                "summary": "Create a PayOS payment link for an invoice",
                "responses": {"200": {"description": "OK"}, "502": {"description": "Gateway error"}}
            }
        },
        "/payments/payos/webhook": {
            "post": {
                "tags": ["payments"],
                "summary": "PayOS payment webhook",
                "responses": {"200": {"description": "Acknowledged"}, "400": {"description": "Invalid signature"}}
            }
        },
        "/pharmacy/prescriptions": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["pharmacy"],
                "summary": "List prescriptions waiting to be dispensed",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/admin/dashboard/stats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["admin"],
                "summary": "Clinic totals",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Medibook API",
	Description:      "Clinic and telemedicine booking server.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
