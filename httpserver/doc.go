/*
Package httpserver implements the HTTP API for the patient record access
backend.

It exposes endpoints for uploading and retrieving medical records, managing
access grants between patients and doctors, pushing shared files from doctors
to patients, and binding wallet addresses to user profiles for signed-challenge
authentication.

Callers are identified by the X-Carevault-Profile header, which the API
gateway sets after wallet authentication. Mutations that touch blob storage
return a degraded flag when the blob store was unavailable and the write was
journaled for later reconciliation.

API Endpoints:

  - POST /api/records/{patient_id} - Upload a record for a patient
  - GET /api/records/{patient_id} - List a patient's records
  - GET /api/records/{record_id}/meta - Fetch a record's catalog entry
  - POST /api/records/{record_id}/meta - Update record tags and description
  - GET /api/records/{record_id}/content - Fetch record content
  - GET /api/records/{record_id}/url - Get a pre-signed content URL
  - POST /api/grants - Create or extend an access grant
  - POST /api/grants/{grant_id}/revoke - Revoke a grant (idempotent)
  - GET /api/grants/authorized - Check doctor access to a record
  - GET /api/grants/patient/{patient_id} - List grants issued by a patient
  - GET /api/grants/doctor/{doctor_id} - List grants held by a doctor
  - POST /api/shares/{patient_id} - Share a file with a patient
  - POST /api/shares/{shared_file_id}/viewed - Mark a shared file viewed
  - GET /api/shares/{shared_file_id}/content - Fetch shared file content
  - GET /api/shares/doctor/{doctor_id} - List files shared by a doctor
  - GET /api/shares/patient/{patient_id} - List files shared with a patient
  - POST /api/identity/bind - Bind a wallet address to a profile
  - GET /api/identity/challenge - Issue a login challenge
  - POST /api/identity/authenticate - Authenticate with a signed challenge
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Example usage:

	handler := httpserver.NewHandler(reg, ledger, shares, ident, logger)

	config := &httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	server, err := httpserver.New(config, handler)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
