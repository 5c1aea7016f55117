// Package schema validates command payloads against schema files.
//
// Schemas are JSON documents describing the properties of a command. Each schema
// is registered under a schema file id (the file's base name) which commands
// reference through contracts.SchemaBound:
//
//	validator := schema.NewMessageValidator()
//	if _, err := validator.LoadSchemas(os.DirFS("schemas"), "*.json"); err != nil {
//	    log.Fatal(err)
//	}
//
//	check, ok := validator.ValidatorFor("create-order")
//	valid, errs := check.Validate(ctx, cmd)
//
// Failures are converted into contracts.FieldError values with Convert.
package schema
