package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/formbricks/hdir/internal/api/validation"
	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/service"
)

// multipartMemory is how much of a multipart upload is kept in memory before spilling to disk.
const multipartMemory = 8 << 20

// imageRequest is the union of the fields image endpoints accept, from the query string,
// a JSON body or multipart form values.
type imageRequest struct {
	ImgPath  string `json:"img-path" validate:"no_null_bytes"`
	ImageURL string `json:"image_url" validate:"omitempty,url"`
	ImageID  string `json:"image_id" validate:"omitempty,max=512,no_null_bytes"`
	Text     string `json:"text" validate:"no_null_bytes"`
	TopK     int    `json:"top_k" validate:"gte=0,lte=1000"`
}

// imageQuery holds the query parameters every image endpoint accepts.
type imageQuery struct {
	ImgPath  string `form:"img-path"`
	ImageURL string `form:"image_url"`
	ImageID  string `form:"image_id"`
	Text     string `form:"text"`
	TopK     int    `form:"top_k"`
}

func (r imageRequest) ref(data []byte) service.ImageRef {
	return service.ImageRef{
		Path: strings.TrimSpace(r.ImgPath),
		URL:  strings.TrimSpace(r.ImageURL),
		Data: data,
	}
}

// parseImageRequest reads an image reference from r. The body may be multipart (an "image" file
// field), JSON, or raw image bytes with an image/* content type. Query parameters fill fields the
// body leaves empty.
func parseImageRequest(r *http.Request) (imageRequest, service.ImageRef, error) {
	var (
		req  imageRequest
		data []byte
	)

	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return req, service.ImageRef{}, huberrors.NewValidationError("Content-Type", "invalid Content-Type header")
		}

		mediaType = mt
	}

	switch {
	case mediaType == "multipart/form-data":
		d, err := parseMultipart(r, &req)
		if err != nil {
			return req, service.ImageRef{}, err
		}

		data = d
	case mediaType == "application/json":
		if err := decodeJSON(r, &req); err != nil {
			return req, service.ImageRef{}, err
		}
	case strings.HasPrefix(mediaType, "image/"), mediaType == "application/octet-stream":
		d, err := io.ReadAll(r.Body)
		if err != nil {
			return req, service.ImageRef{}, fmt.Errorf("read image body: %w", err)
		}

		data = d
	case mediaType == "" || r.ContentLength == 0:
	default:
		return req, service.ImageRef{}, huberrors.NewUnsupportedMediaError("unsupported Content-Type " + mediaType)
	}

	var q imageQuery
	if err := validation.DecodeQueryParams(r, &q); err != nil {
		return req, service.ImageRef{}, err
	}

	fillFromQuery(&req.ImgPath, q.ImgPath)
	fillFromQuery(&req.ImageURL, q.ImageURL)
	fillFromQuery(&req.ImageID, q.ImageID)
	fillFromQuery(&req.Text, q.Text)

	if req.TopK == 0 {
		req.TopK = q.TopK
	}

	req.ImageURL = strings.TrimSpace(req.ImageURL)

	if err := validation.ValidateStruct(&req); err != nil {
		return req, service.ImageRef{}, err
	}

	return req, req.ref(data), nil
}

func fillFromQuery(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

func parseMultipart(r *http.Request, req *imageRequest) ([]byte, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}

		return nil, huberrors.NewValidationError("body", "invalid multipart body")
	}

	req.ImgPath = r.FormValue("img-path")
	req.ImageURL = r.FormValue("image_url")
	req.ImageID = r.FormValue("image_id")
	req.Text = r.FormValue("text")

	if raw := r.FormValue("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return nil, huberrors.NewValidationError("top_k", "top_k must be a positive integer")
		}

		req.TopK = k
	}

	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}

	if err != nil {
		return nil, huberrors.NewValidationError("image", "invalid image field")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read image field: %w", err)
	}

	return data, nil
}

// decodeJSON decodes the body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}

		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}

		return huberrors.NewValidationError("body", "Invalid request body")
	}

	return nil
}
