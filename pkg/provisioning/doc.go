/*
Package provisioning registers application users in the identity provider.

A run performs these calls in order and stops at the first failure:

 1. obtain an admin token
 2. create the user with its password credential
 3. resolve the new user's id by username
 4. set the password again through the reset endpoint
 5. clear the provider's required actions so the first login is not blocked
 6. obtain a fresh admin token, look the role up and bind it to the user

Every outcome is returned as a Result; Provision has no error return. The message
of a failed run starts with "Registration failed:" followed by the step that failed.

# Failure policy

By default a user created before a later step failed is left in place, so retrying
the same request fails at creation with a conflict. Two options change that:

	p := provisioning.New(client, tokens, provisioning.Options{
		FailurePolicy: provisioning.FailurePolicyCompensate, // delete what this run created
		Idempotent:    true,                                 // resume when the user already exists
		AllowedRoles:  []string{"BUYER", "SELLER", "ADMIN"},
		StepTimeout:   10 * time.Second,
	}, logger, metrics)

Idempotent runs only adopt an existing account whose email matches the request.
*/
package provisioning
