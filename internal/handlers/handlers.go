package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/collision"
	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/imaging"
	"github.com/mida-hub/imgstream-sub001/internal/middleware"
	"github.com/mida-hub/imgstream-sub001/internal/repository"
	"github.com/mida-hub/imgstream-sub001/internal/service"
	"github.com/mida-hub/imgstream-sub001/internal/storage"
)

type HandlerSet struct {
	log           zerolog.Logger
	cfg           *config.AppConfig
	authService   *service.AuthService
	uploadService *service.UploadService
	transformer   *imaging.Transformer
	db            *pgxpool.Pool
	cache         *redis.Client
	store         *storage.ObjectStore
	users         *repository.UserRepository
	photos        *repository.PhotoRepository
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cache *redis.Client, store *storage.ObjectStore, cfg *config.AppConfig) HandlerSet {
	userRepo := repository.NewUserRepository(db)
	photoRepo := repository.NewPhotoRepository(db)

	heic, err := imaging.NewFFmpegDecoder()
	if err != nil {
		log.Warn().Err(err).Msg("heic decoding unavailable")
	}
	var heicDecoder imaging.HEICDecoder
	if heic != nil {
		heicDecoder = heic
	}
	transformer := imaging.NewTransformer(cfg.Upload, heicDecoder, log)

	resolver := collision.NewResolver(photoRepo, collision.NewRedisCache(cache), cfg.Collision, log)

	auth := service.NewAuthService(userRepo, cfg, log)
	upload := service.NewUploadService(
		service.ContextAuthenticator{},
		transformer,
		resolver,
		photoRepo,
		store,
		cfg.Upload,
		log,
	)

	return HandlerSet{
		log:           log,
		cfg:           cfg,
		authService:   auth,
		uploadService: upload,
		transformer:   transformer,
		db:            db,
		cache:         cache,
		store:         store,
		users:         userRepo,
		photos:        photoRepo,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/register", h.RegisterUser)
		auth.POST("/login", h.Login)
	}

	photos := v1.Group("/photos")
	photos.Use(middleware.Auth(h.cfg, h.users))
	photos.POST("/check", h.CheckCollisions)
	photos.POST("/upload", h.UploadBatch)
	photos.GET("", h.ListPhotos)
	photos.GET("/:id/url", h.PhotoURL)
	photos.GET("/:id/display", h.DisplayPhoto)
}
