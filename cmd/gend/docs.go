package main

// General API documentation for swaggo. Run `swag init -g cmd/gend/docs.go`
// to generate docs, then build with -tags=swagger to serve them.
//
// @title           gend API
// @version         1.0
// @description     HTTP API for local text-generation sessions over quantized causal LMs.
//
// @contact.name   gend maintainers
// @contact.url    https://github.com/your-org/gend
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
